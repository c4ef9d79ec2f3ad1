// Package store is the typed persistence layer over the relational
// database. Every other component depends only on its operations (spec.md
// §4.1); nothing outside this package issues SQL directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness constraint rejects an insert.
// Callers must treat it as a recoverable "already exists" condition and
// fall back to lookup-by-name (spec.md §4.1).
var ErrConflict = errors.New("store: conflict")

const pgUniqueViolation = "23505"

// Store wraps a Postgres connection pool with typed CRUD for every
// persistent entity in the data model (spec.md §3).
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// classify maps a raw pgx/pgconn error to one of the store's sentinel
// errors, preserving the underlying cause for logging.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("store: %w", err)
}

// --- Account ---

type Account struct {
	ID        uuid.UUID
	Name      string
	Password  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Store) CreateAccount(ctx context.Context, name string, password *string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (name, password) VALUES ($1, $2)
		 RETURNING id, name, password, created_at, updated_at`,
		name, password,
	).Scan(&a.ID, &a.Name, &a.Password, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, password, created_at, updated_at FROM accounts WHERE name = $1`,
		name,
	).Scan(&a.ID, &a.Name, &a.Password, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (s *Store) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, password, created_at, updated_at FROM accounts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Name, &a.Password, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

// GetOrCreateAccount returns the account named name, creating it if absent.
// A concurrent insert racing this call is resolved by re-reading on conflict
// (spec.md §9 "idempotent database inserts").
func (s *Store) GetOrCreateAccount(ctx context.Context, name string) (*Account, error) {
	a, err := s.GetAccountByName(ctx, name)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	a, err = s.CreateAccount(ctx, name, nil)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return s.GetAccountByName(ctx, name)
		}
		return nil, err
	}
	return a, nil
}

func (s *Store) ListNonDefaultAccounts(ctx context.Context, defaultName string) ([]Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, password, created_at, updated_at FROM accounts WHERE name != $1`,
		defaultName,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Password, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (s *Store) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return classify(err)
}

// --- AccountSSHKey ---

type AccountSSHKey struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	PublicKey   string
	Fingerprint string
	CreatedAt   time.Time
}

func (s *Store) CreateAccountSSHKey(ctx context.Context, accountID uuid.UUID, publicKey, fingerprint string) (*AccountSSHKey, error) {
	var k AccountSSHKey
	err := s.pool.QueryRow(ctx,
		`INSERT INTO account_ssh_keys (account_id, public_key, fingerprint) VALUES ($1, $2, $3)
		 RETURNING id, account_id, public_key, fingerprint, created_at`,
		accountID, publicKey, fingerprint,
	).Scan(&k.ID, &k.AccountID, &k.PublicKey, &k.Fingerprint, &k.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &k, nil
}

func (s *Store) GetAccountSSHKeyByFingerprint(ctx context.Context, fingerprint string) (*AccountSSHKey, error) {
	var k AccountSSHKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, public_key, fingerprint, created_at FROM account_ssh_keys WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&k.ID, &k.AccountID, &k.PublicKey, &k.Fingerprint, &k.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &k, nil
}

func (s *Store) ListAccountSSHKeys(ctx context.Context, accountID uuid.UUID) ([]AccountSSHKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, public_key, fingerprint, created_at FROM account_ssh_keys WHERE account_id = $1`,
		accountID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []AccountSSHKey
	for rows.Next() {
		var k AccountSSHKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.PublicKey, &k.Fingerprint, &k.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, k)
	}
	return out, classify(rows.Err())
}

// EnsureAccountSSHKey attaches publicKey/fingerprint to accountID unless a
// key with that fingerprint is already stored, matching the idempotency
// invariant exercised by cluster init (spec.md §8 invariant 6).
func (s *Store) EnsureAccountSSHKey(ctx context.Context, accountID uuid.UUID, publicKey, fingerprint string) error {
	_, err := s.GetAccountSSHKeyByFingerprint(ctx, fingerprint)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = s.CreateAccountSSHKey(ctx, accountID, publicKey, fingerprint)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

// --- Service ---

type Service struct {
	ID        uuid.UUID
	Name      string
	OwnerID   uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Store) CreateService(ctx context.Context, name string, ownerID uuid.UUID) (*Service, error) {
	var svc Service
	err := s.pool.QueryRow(ctx,
		`INSERT INTO services (name, owner_id) VALUES ($1, $2)
		 RETURNING id, name, owner_id, created_at, updated_at`,
		name, ownerID,
	).Scan(&svc.ID, &svc.Name, &svc.OwnerID, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &svc, nil
}

func (s *Store) GetServiceByName(ctx context.Context, name string) (*Service, error) {
	var svc Service
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM services WHERE name = $1`,
		name,
	).Scan(&svc.ID, &svc.Name, &svc.OwnerID, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &svc, nil
}

func (s *Store) GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	var svc Service
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM services WHERE id = $1`,
		id,
	).Scan(&svc.ID, &svc.Name, &svc.OwnerID, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &svc, nil
}

// GetOrCreateService implements the "conflict-as-success" policy for
// duplicate service names on deploy (spec.md §7).
func (s *Store) GetOrCreateService(ctx context.Context, name string, ownerID uuid.UUID) (*Service, error) {
	svc, err := s.GetServiceByName(ctx, name)
	if err == nil {
		return svc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	svc, err = s.CreateService(ctx, name, ownerID)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return s.GetServiceByName(ctx, name)
		}
		return nil, err
	}
	return svc, nil
}

func (s *Store) ListServicesByOwner(ctx context.Context, ownerID uuid.UUID) ([]Service, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM services WHERE owner_id = $1 ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.OwnerID, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, svc)
	}
	return out, classify(rows.Err())
}

// --- Deployment ---

type Deployment struct {
	ID             uuid.UUID
	ServiceID      uuid.UUID
	OwnerID        uuid.UUID
	ContainerPort  *int32
	HostPort       *int32
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *Store) CreateDeployment(ctx context.Context, serviceID, ownerID uuid.UUID, containerPort, hostPort *int32) (*Deployment, error) {
	var d Deployment
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deployments (service_id, owner_id, container_port, host_port)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, service_id, owner_id, container_port, host_port, last_accessed_at, created_at, updated_at`,
		serviceID, ownerID, containerPort, hostPort,
	).Scan(&d.ID, &d.ServiceID, &d.OwnerID, &d.ContainerPort, &d.HostPort, &d.LastAccessedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &d, nil
}

func (s *Store) GetDeploymentByID(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	var d Deployment
	err := s.pool.QueryRow(ctx,
		`SELECT id, service_id, owner_id, container_port, host_port, last_accessed_at, created_at, updated_at
		 FROM deployments WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.ServiceID, &d.OwnerID, &d.ContainerPort, &d.HostPort, &d.LastAccessedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &d, nil
}

func (s *Store) ListDeploymentsByService(ctx context.Context, serviceID uuid.UUID) ([]Deployment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, service_id, owner_id, container_port, host_port, last_accessed_at, created_at, updated_at
		 FROM deployments WHERE service_id = $1 ORDER BY created_at DESC`,
		serviceID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.ID, &d.ServiceID, &d.OwnerID, &d.ContainerPort, &d.HostPort, &d.LastAccessedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, d)
	}
	return out, classify(rows.Err())
}

// IsHostPortTaken reports whether hostPort is bound to a live deployment.
func (s *Store) IsHostPortTaken(ctx context.Context, hostPort int32) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deployments WHERE host_port = $1)`,
		hostPort,
	).Scan(&exists)
	if err != nil {
		return false, classify(err)
	}
	return exists, nil
}

// TouchDeployment updates last_accessed_at to now. Called asynchronously
// after every proxied forward (spec.md §4.5); failures are for the caller
// to log, never to surface.
func (s *Store) TouchDeployment(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE deployments SET last_accessed_at = now() WHERE id = $1`, id)
	return classify(err)
}

// RoutingTarget is the result of resolving an inbound Host header to the
// most recently created deployment that serves it (spec.md §4.7).
type RoutingTarget struct {
	DeploymentID uuid.UUID
	HostPort     *int32
}

func (s *Store) FindRoutingTargetByHost(ctx context.Context, host string) (*RoutingTarget, error) {
	var t RoutingTarget
	err := s.pool.QueryRow(ctx,
		`SELECT d.id, d.host_port
		 FROM deployments d
		 JOIN ingresses i ON i.service_id = d.service_id
		 WHERE i.host = $1
		 ORDER BY d.created_at DESC
		 LIMIT 1`,
		host,
	).Scan(&t.DeploymentID, &t.HostPort)
	if err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

// --- Ingress ---

type Ingress struct {
	ID        uuid.UUID
	ServiceID uuid.UUID
	OwnerID   uuid.UUID
	Host      string
	Path      *string
	CreatedAt time.Time
}

func (s *Store) CreateIngress(ctx context.Context, serviceID, ownerID uuid.UUID, host string, path *string) (*Ingress, error) {
	var ing Ingress
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ingresses (service_id, owner_id, host, path) VALUES ($1, $2, $3, $4)
		 RETURNING id, service_id, owner_id, host, path, created_at`,
		serviceID, ownerID, host, path,
	).Scan(&ing.ID, &ing.ServiceID, &ing.OwnerID, &ing.Host, &ing.Path, &ing.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &ing, nil
}

func (s *Store) GetIngressByServiceAndHost(ctx context.Context, serviceID uuid.UUID, host string) (*Ingress, error) {
	var ing Ingress
	err := s.pool.QueryRow(ctx,
		`SELECT id, service_id, owner_id, host, path, created_at FROM ingresses WHERE service_id = $1 AND host = $2`,
		serviceID, host,
	).Scan(&ing.ID, &ing.ServiceID, &ing.OwnerID, &ing.Host, &ing.Path, &ing.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &ing, nil
}

// EnsureIngress creates the (service, host) ingress row unless it already
// exists (spec.md §3 "at most one ingress per (service, host)").
func (s *Store) EnsureIngress(ctx context.Context, serviceID, ownerID uuid.UUID, host string, path *string) (*Ingress, error) {
	ing, err := s.GetIngressByServiceAndHost(ctx, serviceID, host)
	if err == nil {
		return ing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	ing, err = s.CreateIngress(ctx, serviceID, ownerID, host, path)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return s.GetIngressByServiceAndHost(ctx, serviceID, host)
		}
		return nil, err
	}
	return ing, nil
}

func (s *Store) ListIngressesByService(ctx context.Context, serviceID uuid.UUID) ([]Ingress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, service_id, owner_id, host, path, created_at FROM ingresses WHERE service_id = $1`,
		serviceID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Ingress
	for rows.Next() {
		var ing Ingress
		if err := rows.Scan(&ing.ID, &ing.ServiceID, &ing.OwnerID, &ing.Host, &ing.Path, &ing.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, ing)
	}
	return out, classify(rows.Err())
}

// --- Certificate ---

type Certificate struct {
	ID          uuid.UUID
	DomainName  string
	Certificate string
	PrivateKey  string
	ExpiresAt   time.Time
	OwnerID     uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Store) UpsertCertificate(ctx context.Context, domainName, certPEM, keyPEM string, expiresAt time.Time, ownerID uuid.UUID) (*Certificate, error) {
	var c Certificate
	err := s.pool.QueryRow(ctx,
		`INSERT INTO certificates (domain_name, certificate, private_key, expires_at, owner_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (domain_name) DO UPDATE
		   SET certificate = EXCLUDED.certificate,
		       private_key = EXCLUDED.private_key,
		       expires_at = EXCLUDED.expires_at,
		       updated_at = now()
		 RETURNING id, domain_name, certificate, private_key, expires_at, owner_id, created_at, updated_at`,
		domainName, certPEM, keyPEM, expiresAt, ownerID,
	).Scan(&c.ID, &c.DomainName, &c.Certificate, &c.PrivateKey, &c.ExpiresAt, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

func (s *Store) GetCertificateByDomain(ctx context.Context, domainName string) (*Certificate, error) {
	var c Certificate
	err := s.pool.QueryRow(ctx,
		`SELECT id, domain_name, certificate, private_key, expires_at, owner_id, created_at, updated_at
		 FROM certificates WHERE domain_name = $1`,
		domainName,
	).Scan(&c.ID, &c.DomainName, &c.Certificate, &c.PrivateKey, &c.ExpiresAt, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

func (s *Store) ListCertificatesByOwner(ctx context.Context, ownerID uuid.UUID) ([]Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, domain_name, certificate, private_key, expires_at, owner_id, created_at, updated_at
		 FROM certificates WHERE owner_id = $1`,
		ownerID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Certificate
	for rows.Next() {
		var c Certificate
		if err := rows.Scan(&c.ID, &c.DomainName, &c.Certificate, &c.PrivateKey, &c.ExpiresAt, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

// ListExpiringCertificates returns certificates expiring before the given
// cutoff, for the renewal sweep (spec.md §4.6).
func (s *Store) ListExpiringCertificates(ctx context.Context, cutoff time.Time) ([]Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, domain_name, certificate, private_key, expires_at, owner_id, created_at, updated_at
		 FROM certificates WHERE expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Certificate
	for rows.Next() {
		var c Certificate
		if err := rows.Scan(&c.ID, &c.DomainName, &c.Certificate, &c.PrivateKey, &c.ExpiresAt, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

// --- Session ---

type Session struct {
	ID           uuid.UUID
	Token        string
	RefreshToken string
	AccountID    uuid.UUID
	CreatedAt    time.Time
}

func (s *Store) CreateSession(ctx context.Context, token, refreshToken string, accountID uuid.UUID) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (token, refresh_token, account_id) VALUES ($1, $2, $3)
		 RETURNING id, token, refresh_token, account_id, created_at`,
		token, refreshToken, accountID,
	).Scan(&sess.ID, &sess.Token, &sess.RefreshToken, &sess.AccountID, &sess.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &sess, nil
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, token, refresh_token, account_id, created_at FROM sessions WHERE token = $1`,
		token,
	).Scan(&sess.ID, &sess.Token, &sess.RefreshToken, &sess.AccountID, &sess.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &sess, nil
}

func (s *Store) DeleteSessionByToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return classify(err)
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

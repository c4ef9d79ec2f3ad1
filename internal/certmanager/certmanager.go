// Package certmanager drives the ACME HTTP-01 certificate lifecycle: an
// internal self-check loop, an external challenge-ready loop, issuance, and
// a periodic renewal sweep (spec.md §4.6).
package certmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/acme"

	"github.com/doseidotio/doseid/internal/store"
	"github.com/doseidotio/doseid/internal/telemetry"
)

const (
	challengeTTL        = 600 * time.Second
	pendingTTL          = 600 * time.Second
	internalCheckPeriod = 5 * time.Second
	renewalSweepPeriod  = 24 * time.Hour
	renewalWindow       = 30 * 24 * time.Hour
	externalBaseDelay   = 250 * time.Millisecond
	externalBackoffMul  = 4
	externalMaxAttempts = 10
)

// pendingCert is a certificate request in flight. The ACME order object is
// stateful and not safely shared without serialisation, so all progression
// against it happens with mu held (spec.md §9 "shared order handle").
type pendingCert struct {
	mu      sync.Mutex
	ownerID uuid.UUID
	domain  string
	order   *acme.Order
	token   string
}

// Manager is the certificate state machine described in spec.md §4.6.
type Manager struct {
	store  *store.Store
	client *acme.Client
	log    *slog.Logger

	// pending evicts entries whose internal check never passes within
	// pendingTTL, matching the state diagram's Pending --[cache TTL
	// expires]--> Dropped transition. It is safe for concurrent use.
	pending *lru.LRU[string, *pendingCert]

	challenges *lru.LRU[string, string] // token -> key authorization
}

// New creates a Manager. accountKey is the ACME account's signing key,
// generated once and reused across requests.
func New(s *store.Store, directoryURL string, log *slog.Logger) *Manager {
	accountKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	client := &acme.Client{
		Key:          accountKey,
		DirectoryURL: directoryURL,
	}

	m := &Manager{
		store:      s,
		client:     client,
		log:        log,
		challenges: lru.NewLRU[string, string](10_000, nil, challengeTTL),
	}
	m.pending = lru.NewLRU[string, *pendingCert](10_000, m.onPendingDropped, pendingTTL)
	return m
}

// onPendingDropped logs a pending certificate request that expired out of
// the cache because its internal check never passed within pendingTTL
// (spec.md §4.6 state diagram: Pending --[cache TTL expires]--> Dropped).
func (m *Manager) onPendingDropped(domain string, _ *pendingCert) {
	m.log.Warn("pending certificate request dropped: internal check never passed within ttl", "domain", domain, "ttl", pendingTTL)
	telemetry.CertificatesAbandonedTotal.Inc()
}

// Register creates the ACME account against the directory, agreeing to
// terms with no contact address (spec.md §4.6).
func (m *Manager) Register(ctx context.Context) error {
	_, err := m.client.Register(ctx, &acme.Account{}, acme.AcceptTOS)
	if err != nil {
		return fmt.Errorf("registering acme account: %w", err)
	}
	return nil
}

// Request enqueues an asynchronous certificate request for domain, owned by
// ownerID. Non-blocking; failures are logged, never surfaced to the caller
// (spec.md §4.5, §4.6).
func (m *Manager) Request(ownerID uuid.UUID, domain string) {
	go func() {
		ctx := context.Background()
		if err := m.request(ctx, ownerID, domain); err != nil {
			m.log.Error("certificate request failed", "domain", domain, "error", err)
		}
	}()
}

func (m *Manager) request(ctx context.Context, ownerID uuid.UUID, domain string) error {
	order, err := m.client.AuthorizeOrder(ctx, []acme.AuthzID{acme.AuthzID{Type: "dns", Value: domain}})
	if err != nil {
		return fmt.Errorf("authorizing order for %s: %w", domain, err)
	}

	var challengeToken, keyAuth string
	for _, authzURL := range order.AuthzURLs {
		authz, err := m.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return fmt.Errorf("fetching authorization: %w", err)
		}
		for _, chal := range authz.Challenges {
			if chal.Type != "http-01" {
				continue
			}
			ka, err := m.client.HTTP01ChallengeResponse(chal.Token)
			if err != nil {
				return fmt.Errorf("computing http-01 key authorization: %w", err)
			}
			challengeToken = chal.Token
			keyAuth = ka
		}
	}
	if challengeToken == "" {
		return fmt.Errorf("no http-01 challenge offered for %s", domain)
	}

	m.challenges.Add(challengeToken, keyAuth)

	m.pending.Add(domain, &pendingCert{
		ownerID: ownerID,
		domain:  domain,
		order:   order,
		token:   challengeToken,
	})

	m.log.Info("certificate request pending", "domain", domain, "token", challengeToken)
	return nil
}

// ChallengeResponse returns the key authorization for token, if still
// cached, refreshing its TTL on read (spec.md §4.6 "TTL 600s, refreshed on
// each read").
func (m *Manager) ChallengeResponse(token string) (string, bool) {
	val, ok := m.challenges.Get(token)
	if ok {
		m.challenges.Add(token, val)
	}
	return val, ok
}

// Run starts the internal-check and renewal-sweep background loops. It
// blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.internalCheckLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.renewalSweepLoop(ctx)
	}()
	wg.Wait()
}

// internalCheckLoop polls every pending certificate every 5s, resolving the
// domain and fetching the HTTP-01 path to confirm it's reachable before
// handing control to the CA (spec.md §4.6).
func (m *Manager) internalCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(internalCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAllPending(ctx)
		}
	}
}

func (m *Manager) checkAllPending(ctx context.Context) {
	for _, p := range m.pending.Values() {
		if m.internalCheckPasses(ctx, p) {
			m.pending.Remove(p.domain)
			go m.externalCheck(context.Background(), p)
		}
	}
}

// internalCheckPasses resolves domain with a zero-cache resolver and
// compares the served key authorization byte-for-byte.
func (m *Manager) internalCheckPasses(ctx context.Context, p *pendingCert) bool {
	resolver := &net.Resolver{PreferGo: true}
	ips, err := resolver.LookupHost(ctx, p.domain)
	if err != nil || len(ips) == 0 {
		m.log.Debug("internal check: dns resolution failed", "domain", p.domain, "error", err)
		return false
	}

	want, ok := m.challenges.Get(p.token)
	if !ok {
		m.log.Debug("internal check: challenge token expired from cache", "domain", p.domain)
		return false
	}

	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", ips[0], p.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Host = p.domain

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		m.log.Debug("internal check: http get failed", "domain", p.domain, "error", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	return string(body) == want
}

// externalCheck marks the challenge ready with the CA and polls the order
// until it finalizes, with exponential backoff (spec.md §4.6).
func (m *Manager) externalCheck(ctx context.Context, p *pendingCert) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := externalBaseDelay
	for attempt := 0; attempt < externalMaxAttempts; attempt++ {
		ready, err := m.advanceOrder(ctx, p)
		if err != nil {
			m.log.Warn("external check attempt failed", "domain", p.domain, "attempt", attempt, "error", err)
		} else if ready {
			if err := m.finalizeAndPersist(ctx, p); err != nil {
				m.log.Error("finalizing certificate failed", "domain", p.domain, "error", err)
				telemetry.CertificatesAbandonedTotal.Inc()
				return
			}
			telemetry.CertificatesIssuedTotal.WithLabelValues("acme").Inc()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= externalBackoffMul
	}

	m.log.Warn("certificate issuance abandoned after max attempts", "domain", p.domain)
	telemetry.CertificatesAbandonedTotal.Inc()
}

// advanceOrder marks the HTTP-01 challenge ready (if not already) and
// refreshes the order, reporting whether it has reached the Ready state.
func (m *Manager) advanceOrder(ctx context.Context, p *pendingCert) (bool, error) {
	for _, authzURL := range p.order.AuthzURLs {
		authz, err := m.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return false, fmt.Errorf("fetching authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		for _, chal := range authz.Challenges {
			if chal.Type == "http-01" {
				if _, err := m.client.Accept(ctx, chal); err != nil {
					return false, fmt.Errorf("accepting challenge: %w", err)
				}
			}
		}
	}

	order, err := m.client.GetOrder(ctx, p.order.URI)
	if err != nil {
		return false, fmt.Errorf("refreshing order: %w", err)
	}
	p.order = order

	switch order.Status {
	case acme.StatusReady:
		return true, nil
	case acme.StatusInvalid:
		return false, fmt.Errorf("order became invalid")
	default:
		return false, nil
	}
}

// finalizeAndPersist generates a fresh key and CSR, finalizes the order,
// and persists the issued certificate.
func (m *Manager) finalizeAndPersist(ctx context.Context, p *pendingCert) error {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating leaf key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{p.domain},
	}, leafKey)
	if err != nil {
		return fmt.Errorf("creating csr: %w", err)
	}

	der, _, err := m.client.CreateOrderCert(ctx, p.order.FinalizeURL, csrDER, true)
	if err != nil {
		return fmt.Errorf("finalizing order: %w", err)
	}
	if len(der) == 0 {
		return fmt.Errorf("empty certificate chain returned")
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return fmt.Errorf("parsing leaf certificate: %w", err)
	}

	certPEM, keyPEM, err := encodePEM(der, leafKey)
	if err != nil {
		return fmt.Errorf("encoding pem: %w", err)
	}

	if _, err := m.store.UpsertCertificate(ctx, p.domain, certPEM, keyPEM, leaf.NotAfter.UTC(), p.ownerID); err != nil {
		return fmt.Errorf("persisting certificate: %w", err)
	}

	m.log.Info("certificate issued", "domain", p.domain, "expires_at", leaf.NotAfter.UTC())
	return nil
}

// renewalSweepLoop selects certificates expiring within renewalWindow every
// 24h and re-enqueues a request for each (spec.md §4.6).
func (m *Manager) renewalSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(renewalSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	certs, err := m.store.ListExpiringCertificates(ctx, time.Now().Add(renewalWindow))
	if err != nil {
		m.log.Error("listing expiring certificates failed", "error", err)
		return
	}
	for _, c := range certs {
		m.Request(c.OwnerID, c.DomainName)
	}
}

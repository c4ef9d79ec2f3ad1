// Package session issues and resolves opaque session tokens (spec.md §4.3).
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/doseidotio/doseid/internal/store"
)

// tokenLength is the length in characters of session and refresh tokens
// (spec.md §3: "96-char alphanumeric").
const tokenLength = 96

const cacheTTL = 3600 * time.Second

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Session is a resolved session: either a persisted row, or an ephemeral,
// in-memory-only session attached to an SSH-authenticated request
// (spec.md §4.3 "ssh_new").
type Session struct {
	ID           uuid.UUID
	Token        string
	RefreshToken string
	AccountID    uuid.UUID
	Ephemeral    bool
}

// Manager issues sessions, caches token→session lookups, and deletes on
// logout.
type Manager struct {
	store *store.Store
	cache *lru.LRU[string, *Session]
}

// NewManager creates a session Manager backed by store, with an in-memory
// cache capped generously above any realistic concurrent-session count.
func NewManager(s *store.Store) *Manager {
	return &Manager{
		store: s,
		cache: lru.NewLRU[string, *Session](100_000, nil, cacheTTL),
	}
}

// New inserts a persisted session for accountID and primes the cache
// (spec.md §4.3 "new(account_id)").
func (m *Manager) New(ctx context.Context, accountID uuid.UUID) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	refreshToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	row, err := m.store.CreateSession(ctx, token, refreshToken, accountID)
	if err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	sess := &Session{
		ID:           row.ID,
		Token:        row.Token,
		RefreshToken: row.RefreshToken,
		AccountID:    row.AccountID,
	}
	m.cache.Add(sess.Token, sess)
	return sess, nil
}

// SSHNew returns an in-memory, non-persisted session used when a request
// authenticates by SSH bearer rather than by session token (spec.md §4.3
// "this avoids writing a session row per API call from the operator tool").
func (m *Manager) SSHNew(accountID uuid.UUID) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral session token: %w", err)
	}
	return &Session{
		ID:        uuid.New(),
		Token:     token,
		AccountID: accountID,
		Ephemeral: true,
	}, nil
}

// Delete removes token from the cache and the store.
func (m *Manager) Delete(ctx context.Context, token string) error {
	m.cache.Remove(token)
	if err := m.store.DeleteSessionByToken(ctx, token); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Lookup consults the cache; on miss it queries the store and refreshes the
// cache with a 3600-second lifespan (spec.md §4.3).
func (m *Manager) Lookup(ctx context.Context, token string) (*Session, error) {
	if sess, ok := m.cache.Get(token); ok {
		return sess, nil
	}

	row, err := m.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:           row.ID,
		Token:        row.Token,
		RefreshToken: row.RefreshToken,
		AccountID:    row.AccountID,
	}
	m.cache.Add(sess.Token, sess)
	return sess, nil
}

// generateToken returns a 96-character token drawn uniformly from
// [A-Za-z0-9] (spec.md §8 invariant 5). Random bytes at or above the largest
// multiple of the alphabet size are discarded so the modulo favours no
// character.
func generateToken() (string, error) {
	const limit = 256 - 256%len(alphanumeric)
	b := make([]byte, tokenLength)
	out := make([]byte, 0, tokenLength)
	for len(out) < tokenLength {
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		for _, v := range b {
			if int(v) < limit && len(out) < tokenLength {
				out = append(out, alphanumeric[int(v)%len(alphanumeric)])
			}
		}
	}
	return string(out), nil
}

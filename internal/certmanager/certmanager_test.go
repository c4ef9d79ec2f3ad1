package certmanager

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChallengeResponseMissing(t *testing.T) {
	m := New(nil, "https://acme-v02.api.letsencrypt.org/directory", slog.Default())
	_, ok := m.ChallengeResponse("unknown-token")
	require.False(t, ok)
}

func TestChallengeResponseRoundTrip(t *testing.T) {
	m := New(nil, "https://acme-v02.api.letsencrypt.org/directory", slog.Default())
	m.challenges.Add("token-1", "token-1.thumbprint")

	got, ok := m.ChallengeResponse("token-1")
	require.True(t, ok)
	require.Equal(t, "token-1.thumbprint", got)
}

// TestPendingCacheAddRemove checks that a pending certificate request is
// stored under its domain and leaves the cache once removed, as
// checkAllPending does after an internal check passes. Expiry after
// pendingTTL is not exercised here.
func TestPendingCacheAddRemove(t *testing.T) {
	m := New(nil, "https://acme-v02.api.letsencrypt.org/directory", slog.Default())
	m.pending.Add("example.test", &pendingCert{domain: "example.test", token: "tok"})

	require.Len(t, m.pending.Values(), 1)

	m.pending.Remove("example.test")
	require.Empty(t, m.pending.Values())
}

// TestOnPendingDroppedDoesNotPanic confirms the eviction callback wired into
// the pending cache is safe to invoke directly (it runs from the cache's
// own internal goroutine on TTL expiry).
func TestOnPendingDroppedDoesNotPanic(t *testing.T) {
	m := New(nil, "https://acme-v02.api.letsencrypt.org/directory", slog.Default())
	require.NotPanics(t, func() {
		m.onPendingDropped("example.test", &pendingCert{domain: "example.test"})
	})
}

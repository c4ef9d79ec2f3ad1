package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/doseidotio/doseid/internal/store"
)

// certCacheTTL bounds how long a resolved certificate is served from cache
// without re-querying the store on every handshake. A certificate renewed
// or replaced in the store is not picked up until the cached entry expires,
// so the previous certificate can be served for up to certCacheTTL after the
// update. Failed lookups are not cached.
const certCacheTTL = 30 * time.Second

// CertResolver resolves the TLS server certificate for a ClientHello's SNI
// name. Go's net/http runs each handshake on its own per-connection
// goroutine, so a synchronous store lookup here only blocks the connection
// being handshaked, never the surrounding accept loop (spec.md §9).
type CertResolver struct {
	store *store.Store
	cache *lru.LRU[string, *tls.Certificate]
}

// NewCertResolver creates a CertResolver backed by s.
func NewCertResolver(s *store.Store) *CertResolver {
	return &CertResolver{
		store: s,
		cache: lru.NewLRU[string, *tls.Certificate](1000, nil, certCacheTTL),
	}
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := hello.ServerName
	if domain == "" {
		return nil, fmt.Errorf("no SNI server name presented")
	}

	if cert, ok := r.cache.Get(domain); ok {
		return cert, nil
	}

	row, err := r.store.GetCertificateByDomain(context.Background(), domain)
	if err != nil {
		return nil, fmt.Errorf("no certificate for %s: %w", domain, err)
	}

	cert, err := tls.X509KeyPair([]byte(row.Certificate), []byte(row.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing certificate for %s: %w", domain, err)
	}

	r.cache.Add(domain, &cert)
	return &cert, nil
}

// Package proxy implements the TLS-terminating reverse proxy that routes
// inbound HTTPS traffic to the matching deployment's host port by SNI/Host
// header (spec.md §4.7).
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doseidotio/doseid/internal/store"
	"github.com/doseidotio/doseid/internal/telemetry"
)

// Proxy routes requests by Host header to 127.0.0.1:<host_port> for the
// matching deployment.
type Proxy struct {
	store    *store.Store
	log      *slog.Logger
	resolver *CertResolver
}

// New creates a Proxy backed by s.
func New(s *store.Store, log *slog.Logger) *Proxy {
	return &Proxy{store: s, log: log, resolver: NewCertResolver(s)}
}

// TLSConfig returns a *tls.Config suitable for the :443 listener, with a
// dynamic per-SNI certificate resolver.
func (p *Proxy) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: p.resolver.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// ServeHTTP implements http.Handler, routing by Host header (spec.md §4.7,
// §8 invariant 8).
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	if host == "" {
		telemetry.ProxyRequestsTotal.WithLabelValues("no_host").Inc()
		http.NotFound(w, r)
		return
	}

	target, err := p.store.FindRoutingTargetByHost(r.Context(), host)
	if err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues("no_route").Inc()
		http.NotFound(w, r)
		return
	}
	if target.HostPort == nil {
		telemetry.ProxyRequestsTotal.WithLabelValues("no_host_port").Inc()
		http.NotFound(w, r)
		return
	}

	upstream := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", *target.HostPort)}
	start := time.Now()

	rp := httputil.NewSingleHostReverseProxy(upstream)
	rp.ErrorLog = nil
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Error("proxying to upstream failed", "host", host, "host_port", *target.HostPort, "error", err)
		telemetry.ProxyRequestsTotal.WithLabelValues("upstream_error").Inc()
		http.Error(w, "upstream request failed", http.StatusBadRequest)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		telemetry.ProxyRequestsTotal.WithLabelValues("ok").Inc()
		telemetry.ProxyRequestDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		p.touchAsync(target.DeploymentID)
		return nil
	}

	rp.ServeHTTP(w, r)
}

// touchAsync fires an asynchronous last_accessed_at update; failures are
// logged, never surfaced (spec.md §4.5).
func (p *Proxy) touchAsync(deploymentID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.TouchDeployment(ctx, deploymentID); err != nil {
			p.log.Warn("touching deployment failed", "deployment_id", deploymentID, "error", err)
		}
	}()
}

func hostOnly(hostHeader string) string {
	if hostHeader == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		return h
	}
	return strings.ToLower(hostHeader)
}

// Package daemon wires every doseid component together and runs the
// process: migrations, the container runtime, the certificate manager, the
// cluster bootstrap, the REST API, and the TLS reverse proxy (spec.md §9).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doseidotio/doseid/internal/certmanager"
	"github.com/doseidotio/doseid/internal/clusterinit"
	"github.com/doseidotio/doseid/internal/config"
	"github.com/doseidotio/doseid/internal/containerdriver"
	"github.com/doseidotio/doseid/internal/deployment"
	"github.com/doseidotio/doseid/internal/httpserver"
	"github.com/doseidotio/doseid/internal/platform"
	"github.com/doseidotio/doseid/internal/proxy"
	"github.com/doseidotio/doseid/internal/session"
	"github.com/doseidotio/doseid/internal/sshauth"
	"github.com/doseidotio/doseid/internal/store"
	"github.com/doseidotio/doseid/internal/telemetry"
)

// containerHeartbeatPeriod is how often the daemon logs the running
// container count, a cheap liveness signal independent of the event stream.
const containerHeartbeatPeriod = 60 * time.Second

// Daemon is the single process-wide aggregate of every doseid component,
// built once at startup and threaded through the HTTP API and background
// tasks (spec.md §9 — replaces the source's global singletons with one
// explicit, constructor-injected value).
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	pool     *pgxpool.Pool
	store    *store.Store
	runtime  *containerdriver.Driver
	sessions *session.Manager
	ssh      *sshauth.Verifier
	certs    *certmanager.Manager
	deploys  *deployment.Manager
	proxy    *proxy.Proxy
	boot     *clusterinit.Init

	api *http.Server
	tls *http.Server
}

// New connects to every piece of infrastructure doseid depends on and
// returns a Daemon ready to Run. It applies migrations and runs cluster
// init as part of construction, matching spec.md's "initialised before any
// request is served" requirement.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := store.New(pool)

	runtime, err := containerdriver.New(cfg.DockerHost, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime: %w", err)
	}
	if err := runtime.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging container runtime: %w", err)
	}

	sshVerifier := sshauth.New(s)
	sessions := session.NewManager(s)

	certs := certmanager.New(s, cfg.ACMEDirectoryURL, logger)
	if err := certs.Register(ctx); err != nil {
		logger.Warn("acme account registration failed, continuing without it", "error", err)
	}

	deploys := deployment.New(s, runtime, certs, logger)
	boot := clusterinit.New(s, runtime, certs, cfg.Version, logger)
	if err := boot.Run(ctx, cfg.ClusterInitFile); err != nil {
		return nil, fmt.Errorf("cluster init: %w", err)
	}

	rp := proxy.New(s, logger)

	metricsReg := telemetry.NewMetricsRegistry()
	api := httpserver.New(cfg, s, sessions, sshVerifier, certs, deploys, metricsReg, logger)

	d := &Daemon{
		cfg:      cfg,
		log:      logger,
		pool:     pool,
		store:    s,
		runtime:  runtime,
		sessions: sessions,
		ssh:      sshVerifier,
		certs:    certs,
		deploys:  deploys,
		proxy:    rp,
		boot:     boot,
		api: &http.Server{
			Addr:         cfg.APIAddr(),
			Handler:      api,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		tls: &http.Server{
			Addr:         cfg.TLSAddr(),
			Handler:      rp,
			TLSConfig:    rp.TLSConfig(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
	return d, nil
}

// Run starts the background loops and both listeners, and blocks until ctx
// is cancelled or a listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.pool.Close()

	go d.certs.Run(ctx)
	go d.runtime.WatchEvents(ctx)
	go d.heartbeat(ctx)

	errCh := make(chan error, 2)
	go func() {
		d.log.Info("api server listening", "addr", d.cfg.APIAddr())
		if err := d.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		d.log.Info("tls proxy listening", "addr", d.cfg.TLSAddr())
		if err := d.tls.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("tls proxy: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var shutdownErr error
		if err := d.api.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutting down api server: %w", err))
		}
		if err := d.tls.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutting down tls proxy: %w", err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

// heartbeat periodically logs the count of running containers, so an
// operator tailing logs sees liveness even when the event stream is quiet.
func (d *Daemon) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(containerHeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, err := d.runtime.ListRunning(ctx)
			if err != nil {
				d.log.Warn("heartbeat: listing running containers failed", "error", err)
				continue
			}
			d.log.Info("heartbeat", "running_containers", len(running))
		}
	}
}

// Run reads config, connects to infrastructure, and runs doseid until ctx
// is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting doseid", "api_addr", cfg.APIAddr(), "tls_addr", cfg.TLSAddr())

	d, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

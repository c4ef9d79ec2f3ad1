package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doseidotio/doseid/internal/certmanager"
	"github.com/doseidotio/doseid/internal/clusterinit"
	"github.com/doseidotio/doseid/internal/config"
	"github.com/doseidotio/doseid/internal/deployment"
	"github.com/doseidotio/doseid/internal/docs"
	"github.com/doseidotio/doseid/internal/session"
	"github.com/doseidotio/doseid/internal/sshauth"
	"github.com/doseidotio/doseid/internal/store"
	"github.com/doseidotio/doseid/internal/telemetry"
)

// Server wires the REST API (spec.md §6) onto a chi router.
type Server struct {
	Router *chi.Mux

	store    *store.Store
	sessions *session.Manager
	certs    *certmanager.Manager
	deploys  *deployment.Manager
	log      *slog.Logger
	version  string
	startAt  time.Time
}

// New builds the Server and mounts every route. The daemon must start
// certs.Run and clusterinit.Run independently before traffic arrives.
func New(cfg *config.Config, s *store.Store, sessions *session.Manager, sshVerifier *sshauth.Verifier, certs *certmanager.Manager, deploys *deployment.Manager, reg *prometheus.Registry, log *slog.Logger) *Server {
	srv := &Server{
		Router:   chi.NewRouter(),
		store:    s,
		sessions: sessions,
		certs:    certs,
		deploys:  deploys,
		log:      log,
		version:  cfg.Version,
		startAt:  time.Now(),
	}

	srv.Router.Use(RequestID)
	srv.Router.Use(Logger(log))
	srv.Router.Use(Metrics)
	srv.Router.Use(middleware.Recoverer)
	srv.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Unauthenticated routes (spec.md §6).
	srv.Router.Get("/health", srv.handleHealth)
	srv.Router.Get("/info", srv.handleInfo)
	srv.Router.Get("/.well-known/acme-challenge/{token}", srv.handleACMEChallenge)
	srv.Router.Get("/docs", docs.SwaggerUIHandler())
	srv.Router.Get("/openapi.json", docs.OpenAPISpecHandler())
	srv.Router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Bearer-authenticated routes (spec.md §4.3, §6). /auth/login/ssh is
	// authenticated the same way as every other route — via the
	// Authorization header's precedence chain — not a bespoke JSON body;
	// the SSH branch of the chain already verifies the signature and the
	// handler just mints the persisted session the caller asked for.
	srv.Router.Group(func(r chi.Router) {
		r.Use(session.Middleware(sessions, sshVerifier, s, log))

		r.Post("/auth/login/ssh", srv.handleLoginSSH)
		r.Delete("/auth/logout", srv.handleLogout)
		r.Get("/user", srv.handleGetUser)
		r.Get("/user/ssh-key", srv.handleListUserSSHKeys)
		r.Get("/certificate", srv.handleListCertificates)
		r.Get("/service", srv.handleListServices)
		r.Get("/service/{service_id}/deployment", srv.handleListDeployments)
		r.Get("/service/{service_id}/ingress", srv.handleListIngresses)
		r.Post("/deploy", srv.handleDeploy)
	})

	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// infoResponse is the body of GET /info (spec.md §6).
type infoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	name := clusterinit.ClusterName()
	if name == "" {
		name = "doseid"
	}
	Respond(w, http.StatusOK, infoResponse{Name: name, Version: s.version})
}

// handleACMEChallenge answers the HTTP-01 challenge a remote ACME CA makes
// against this node (spec.md §4.6). Unauthenticated: the caller is the CA.
func (s *Server) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	keyAuth, ok := s.certs.ChallengeResponse(token)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}

// sessionCredentials is returned on successful login (spec.md §4.3).
type sessionCredentials struct {
	ID           uuid.UUID `json:"id"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
}

// handleLoginSSH mints a persisted session for the already-authenticated
// caller, so the caller need not re-sign an SSH bearer token on every
// subsequent request (spec.md §4.2, §4.3). Authentication itself happens in
// session.Middleware's Authorization-header precedence chain, same as every
// other route; by the time this handler runs the SSH signature has already
// been verified.
func (s *Server) handleLoginSSH(w http.ResponseWriter, r *http.Request) {
	identity := session.FromContext(r.Context())

	sess, err := s.sessions.New(r.Context(), identity.AccountID)
	if err != nil {
		s.log.Error("minting session failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to create session")
		return
	}

	Respond(w, http.StatusCreated, sessionCredentials{
		ID:           sess.ID,
		Token:        sess.Token,
		RefreshToken: sess.RefreshToken,
	})
}

const bearerPrefix = "Bearer "

// handleLogout deletes the caller's persisted session. An ephemeral
// SSH-bearer session was never persisted, so deleting one is a no-op.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	rawToken := r.Header.Get("Authorization")
	if len(rawToken) > len(bearerPrefix) {
		rawToken = rawToken[len(bearerPrefix):]
	}

	if err := s.sessions.Delete(r.Context(), rawToken); err != nil {
		s.log.Warn("logout: deleting session", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	identity := session.FromContext(r.Context())
	account, err := s.store.GetAccountByID(r.Context(), identity.AccountID)
	if err != nil {
		RespondError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	Respond(w, http.StatusOK, account)
}

func (s *Server) handleListUserSSHKeys(w http.ResponseWriter, r *http.Request) {
	identity := session.FromContext(r.Context())
	keys, err := s.store.ListAccountSSHKeys(r.Context(), identity.AccountID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "listing ssh keys")
		return
	}
	Respond(w, http.StatusOK, keys)
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	identity := session.FromContext(r.Context())
	certs, err := s.store.ListCertificatesByOwner(r.Context(), identity.AccountID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "listing certificates")
		return
	}
	Respond(w, http.StatusOK, certs)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	identity := session.FromContext(r.Context())
	services, err := s.store.ListServicesByOwner(r.Context(), identity.AccountID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "listing services")
		return
	}
	Respond(w, http.StatusOK, services)
}

// ownedService resolves {service_id} and confirms it belongs to the caller.
// On any failure it writes the response itself and returns nil (spec.md §8
// "ownership isolation": a service id that exists but isn't yours 404s the
// same as one that doesn't exist at all).
func (s *Server) ownedService(w http.ResponseWriter, r *http.Request) *store.Service {
	identity := session.FromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "service_id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid service id")
		return nil
	}

	svc, err := s.store.GetServiceByID(r.Context(), id)
	if err != nil || svc.OwnerID != identity.AccountID {
		RespondError(w, http.StatusNotFound, "not_found", "service not found")
		return nil
	}
	return svc
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	svc := s.ownedService(w, r)
	if svc == nil {
		return
	}
	deployments, err := s.store.ListDeploymentsByService(r.Context(), svc.ID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "listing deployments")
		return
	}
	Respond(w, http.StatusOK, deployments)
}

func (s *Server) handleListIngresses(w http.ResponseWriter, r *http.Request) {
	svc := s.ownedService(w, r)
	if svc == nil {
		return
	}
	ingresses, err := s.store.ListIngressesByService(r.Context(), svc.ID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "listing ingresses")
		return
	}
	Respond(w, http.StatusOK, ingresses)
}

// deployResponse is the body of the /deploy response (spec.md §6).
type deployResponse struct {
	Service    *store.Service    `json:"service"`
	Deployment *store.Deployment `json:"deployment"`
	BuildLog   []string          `json:"build_log"`
}

// maxUploadBytes bounds an app bundle upload (spec.md §6 "file").
const maxUploadBytes = 512 << 20

// handleDeploy accepts a multipart "app"/"hash"/"file" upload and runs it
// through the build→run pipeline (spec.md §4.5, §6).
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	identity := session.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return
	}

	var manifest deployment.Manifest
	if err := json.Unmarshal([]byte(r.FormValue("app")), &manifest); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid app manifest json")
		return
	}
	if errs := Validate(&manifest); len(errs) > 0 {
		RespondValidationError(w, errs)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "missing build context file")
		return
	}
	defer file.Close()

	result, err := s.deploys.Deploy(r.Context(), identity.AccountID, manifest, file)
	if err != nil {
		telemetry.DeploysTotal.WithLabelValues("failure").Inc()
		s.log.Error("deploy failed", "error", err, "service", manifest.Name)
		RespondError(w, http.StatusInternalServerError, "deploy_failed", err.Error())
		return
	}
	telemetry.DeploysTotal.WithLabelValues("success").Inc()

	Respond(w, http.StatusCreated, deployResponse{
		Service:    result.Service,
		Deployment: result.Deployment,
		BuildLog:   result.BuildLog,
	})
}

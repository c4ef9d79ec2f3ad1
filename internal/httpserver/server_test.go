package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doseidotio/doseid/internal/certmanager"
	"github.com/doseidotio/doseid/internal/config"
	"github.com/doseidotio/doseid/internal/deployment"
	"github.com/doseidotio/doseid/internal/session"
	"github.com/doseidotio/doseid/internal/sshauth"
	"github.com/doseidotio/doseid/internal/telemetry"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{Version: "test", CORSAllowedOrigins: []string{"*"}}
	certs := certmanager.New(nil, "https://example.test/directory", logger)
	return New(cfg, nil, session.NewManager(nil), sshauth.New(nil), certs, deployment.New(nil, nil, certs, logger), telemetry.NewMetricsRegistry(), logger)
}

func TestHandleHealth(t *testing.T) {
	srv := testServer(t)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleInfo(t *testing.T) {
	srv := testServer(t)
	r := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"version":"test"`)
}

func TestHandleACMEChallengeMissing(t *testing.T) {
	srv := testServer(t)
	r := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/unknown-token", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleLoginSSHRequiresBearerHeader(t *testing.T) {
	srv := testServer(t)
	r := httptest.NewRequest(http.MethodPost, "/auth/login/ssh", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleLoginSSHRejectsInvalidSSHBearer(t *testing.T) {
	srv := testServer(t)
	r := httptest.NewRequest(http.MethodPost, "/auth/login/ssh", nil)
	r.Header.Set("Authorization", "Bearer ssh:not-valid-base64")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleLogoutRejectsMissingBearer(t *testing.T) {
	srv := testServer(t)
	r := httptest.NewRequest(http.MethodDelete, "/auth/logout", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

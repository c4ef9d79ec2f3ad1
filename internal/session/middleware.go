package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/doseidotio/doseid/internal/sshauth"
	"github.com/doseidotio/doseid/internal/store"
)

const sshBearerPrefix = "ssh:"

// Middleware authenticates the caller and stores the resulting Identity in
// the request context (spec.md §4.3).
//
// Authentication precedence:
//  1. Authorization: Bearer ssh:<base64>  →  SSH Auth, then an ephemeral
//     session is attached so no session row is written per API call from
//     the operator tool.
//  2. Authorization: Bearer <opaque>      →  session lookup.
//
// Anything else is rejected with 401.
func Middleware(sessions *Manager, sshVerifier *sshauth.Verifier, accounts *store.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			rawToken := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			var identity *Identity

			switch {
			case strings.HasPrefix(rawToken, sshBearerPrefix):
				encoded := strings.TrimPrefix(rawToken, sshBearerPrefix)
				account, err := sshVerifier.Verify(r.Context(), encoded)
				if err != nil {
					logger.Warn("ssh bearer authentication failed", "error", err)
					respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid ssh bearer token")
					return
				}

				if _, err := sessions.SSHNew(account.ID); err != nil {
					logger.Error("issuing ephemeral session failed", "error", err)
					respondErr(w, http.StatusInternalServerError, "internal", "failed to establish session")
					return
				}

				identity = &Identity{
					AccountID:   account.ID,
					AccountName: account.Name,
					Method:      MethodSSH,
				}

				logger.Debug("authenticated via ssh bearer", "account", account.Name)

			default:
				sess, err := sessions.Lookup(r.Context(), rawToken)
				if err != nil {
					logger.Warn("session lookup failed", "error", err)
					respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
					return
				}

				account, err := accounts.GetAccountByID(r.Context(), sess.AccountID)
				if err != nil {
					logger.Error("account lookup for session failed", "error", err)
					respondErr(w, http.StatusUnauthorized, "unauthorized", "account not found")
					return
				}

				identity = &Identity{
					AccountID:   account.ID,
					AccountName: account.Name,
					Method:      MethodSession,
				}

				logger.Debug("authenticated via session", "account", account.Name)
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}

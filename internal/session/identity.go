package session

import (
	"context"

	"github.com/google/uuid"
)

// Authentication methods an Identity can carry (spec.md §4.3).
const (
	MethodSSH     = "ssh"
	MethodSession = "session"
)

// Identity represents the authenticated caller for the current request.
type Identity struct {
	AccountID   uuid.UUID
	AccountName string
	Method      string
}

type ctxKey string

const identityKey ctxKey = "session_identity"

// NewContext stores id in ctx.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the Identity stored by Middleware. Returns nil if
// none is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

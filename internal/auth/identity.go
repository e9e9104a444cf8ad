// Package auth resolves the acting user. The engine never authenticates on its own;
// it asks an IdentityProvider for the user id carried by the request context.
package auth

import (
	"context"
	"strings"

	"github.com/smallbiznis/entitlements/pkg/log/ctxlogger"
)

type userIDKey struct{}

// IdentityProvider returns the current user id, if any.
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

// WithUserID marks ctx as acting on behalf of userID and tags its log lines.
func WithUserID(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, userIDKey{}, userID)
	return ctxlogger.ContextWithUserID(ctx, userID)
}

// UserIDFromContext returns the user id stored by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	userID, ok := ctx.Value(userIDKey{}).(string)
	return userID, ok && userID != ""
}

// ContextIdentity reads the user placed in the context by the HTTP middleware.
type ContextIdentity struct{}

func NewContextIdentity() IdentityProvider {
	return ContextIdentity{}
}

func (ContextIdentity) CurrentUserID(ctx context.Context) (string, bool) {
	return UserIDFromContext(ctx)
}

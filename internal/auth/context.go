// ABOUTME: Identity context for tracking the authenticated user through handlers
// ABOUTME: Provides WithIdentity/FromContext for propagation via context

package auth

import (
	"context"
)

// Identity holds the authenticated user extracted from a request. Populated
// by the HTTP middleware and retrieved from context in handlers.
type Identity struct {
	UserID      string
	DisplayName string
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not
// present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not
// present. Only for handlers that sit behind Middleware.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}

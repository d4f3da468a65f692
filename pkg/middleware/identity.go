// Package middleware provides request identity helpers shared by the HTTP
// transport and anything embedding the triage server.
package middleware

import "context"

type contextKey string

const identityKey contextKey = "identity"

// Identity is the caller of a request as seen by the permission gate.
type Identity struct {
	// Subject identifies the user or service; may be empty.
	Subject string `json:"subject,omitempty"`
	// Role is the RBAC role used for capability checks.
	Role string `json:"role"`
	// Provider names how the identity was established ("header", "apikey").
	Provider string `json:"provider"`
}

// SetIdentity stores the request identity in the context.
func SetIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the request identity from the context.
// Returns nil if no identity is set.
func GetIdentity(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey).(*Identity); ok {
		return v
	}
	return nil
}

// RoleFrom returns the identity's role, or "" when the context has none.
func RoleFrom(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.Role
	}
	return ""
}

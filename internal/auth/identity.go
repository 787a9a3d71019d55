// Package auth converts a bearer credential into an authenticated request
// identity, or rejects it. Scheme detection is a cheap prefix test that runs
// before any store lookup; each validator then does at most one lookup plus
// the key-derivation work.
package auth

import (
	"context"
	"errors"
)

// Schemes recognised by the credential detector.
const (
	SchemeAPIKey   = "api_key"
	SchemeOAuth    = "oauth"
	SchemeIdentity = "identity"
)

// Program ids assigned to non-key credential paths.
const (
	ProgramOAuth  = "oauth"
	ProgramMobile = "mobile"
)

// Failure signals. Transport maps Unauthenticated and Unauthorized both to
// 401 so a caller cannot distinguish an unknown credential from a rejected
// one.
var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrUnauthorized    = errors.New("auth: unauthorized")
)

// Identity is the authenticated request context attached after validation.
type Identity struct {
	TenantID     string
	ProgramID    string
	Scheme       string
	KeyHash      string   // api-key scheme only; rate-limit bucket key
	Capabilities []string // empty = program defaults (resolved by the gate)
	Scopes       []string // oauth scheme only
	RateTier     string
}

// identityKey is the unexported context key carrying the Identity.
type identityKey struct{}

// WithIdentity returns a child context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext extracts the Identity from ctx, or nil when absent.
func FromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}

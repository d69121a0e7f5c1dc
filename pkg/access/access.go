// Package access holds the capability and principal checks applied by the
// store.
package access

import (
	"context"
	"crypto/subtle"
)

type contextKey string

var callerKey contextKey = "assetvault/caller"

// WithCaller returns a context carrying the calling principal.
func WithCaller(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, callerKey, principal)
}

// CallerFromContext extracts the calling principal. The second result is false
// when the context carries none.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v := ctx.Value(callerKey); v != nil {
		if p, ok := v.(string); ok {
			return p, true
		}
	}
	return "", false
}

// Capability decides whether a presented token unlocks an asset that carries
// a stored token. Implementations are only consulted when stored is non-nil.
type Capability interface {
	Allow(stored string, presented *string) bool
}

// TokenMatch grants access when the presented token equals the stored one.
type TokenMatch struct{}

// Allow implements Capability.
func (TokenMatch) Allow(stored string, presented *string) bool {
	if presented == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(*presented)) == 1
}

// Check applies c to an asset's stored token. Assets without a token are
// always readable.
func Check(c Capability, stored, presented *string) bool {
	if stored == nil {
		return true
	}
	if c == nil {
		c = TokenMatch{}
	}
	return c.Allow(*stored, presented)
}

// Authorizer decides whether the caller in ctx may mutate a store owned by
// owner.
type Authorizer interface {
	Authorize(ctx context.Context, owner string) error
}

// OwnerMatch admits only the owner itself.
type OwnerMatch struct{}

// Authorize implements Authorizer.
func (OwnerMatch) Authorize(ctx context.Context, owner string) error {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return ErrNoCaller
	}
	if caller != owner {
		return ErrNotOwner
	}
	return nil
}

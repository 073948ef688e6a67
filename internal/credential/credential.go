// Package credential owns the bearer credential used to call the model
// provider and refreshes it before it expires.
package credential

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCredentialUnavailable means no unexpired credential could be produced.
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrMissingAPIKey         = errors.New("api key is required")
	ErrEmptyToken            = errors.New("credential source returned an empty token")
)

// Identity carries the parameters a Source needs to obtain a credential.
type Identity struct {
	Provider     string
	APIKey       string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Credential is an immutable bearer token. A zero ExpiresAt means the
// credential never expires.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Identity  Identity
}

func (c *Credential) NeverExpires() bool {
	return c.ExpiresAt.IsZero()
}

// Expired reports whether the credential is past its absolute expiry.
func (c *Credential) Expired(now time.Time) bool {
	if c.NeverExpires() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// Stale reports whether the credential is inside the refresh margin.
func (c *Credential) Stale(now time.Time, margin time.Duration) bool {
	if c.NeverExpires() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-margin))
}

// Source obtains a fresh credential. Implementations are expected to fail
// intermittently and must be safe to call repeatedly.
type Source interface {
	Obtain(ctx context.Context, id Identity) (Credential, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id Identity) (Credential, error)

func (f SourceFunc) Obtain(ctx context.Context, id Identity) (Credential, error) {
	return f(ctx, id)
}

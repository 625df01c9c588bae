package auth

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidToken indicates the token is malformed or its signature,
// audience, or other structural checks failed.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrExpiredToken indicates the token's validity window has passed (or not
// yet begun) beyond the configured clock-skew tolerance.
var ErrExpiredToken = errors.New("auth: token expired")

// ErrUntrustedIssuer indicates the token was not issued by the configured
// issuer or was not signed by any key the issuer currently publishes.
var ErrUntrustedIssuer = errors.New("auth: untrusted issuer")

// Identity is a validated principal extracted from an identity token. It is
// immutable once constructed; re-authentication replaces it wholesale.
type Identity struct {
	// Subject is the stable, provider-issued identifier for the principal.
	Subject string

	// Name is a human-readable display name, when the token carried one.
	Name string

	// Claims holds the token's string-valued claims for downstream use.
	Claims map[string]string

	// Expiry is the token's expiration time. A session holding this
	// Identity must not outlive it.
	Expiry time.Time
}

// Claim returns the named claim value and whether it was present.
func (id Identity) Claim(name string) (string, bool) {
	v, ok := id.Claims[name]
	return v, ok
}

// ExpiredAt reports whether the identity's token expiry has passed at the
// given instant.
func (id Identity) ExpiredAt(now time.Time) bool {
	return !id.Expiry.IsZero() && now.After(id.Expiry)
}

// VerifyOptions carries optional per-call verification requirements.
type VerifyOptions struct {
	// Nonce, when non-empty, must match the token's "nonce" claim. The
	// login flow uses this to bind an ID token to the login attempt that
	// requested it.
	Nonce string
}

// VerifyOption configures a single Verify call.
type VerifyOption func(*VerifyOptions)

// WithNonce requires the token's nonce claim to equal the given value.
func WithNonce(nonce string) VerifyOption {
	return func(o *VerifyOptions) { o.Nonce = nonce }
}

// TokenVerifier validates a raw identity token and returns the Identity it
// asserts. Implementations must check signature, issuer, audience, and the
// token's validity window, and should return the package sentinel errors
// (possibly wrapped) on failure.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string, opts ...VerifyOption) (Identity, error)
}

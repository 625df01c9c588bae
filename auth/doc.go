// Package auth defines the identity model and token-verification contract
// used by the gateway. It deliberately keeps the public surface small: an
// Identity value describing a validated principal, a TokenVerifier that
// turns a raw identity token into one, and the sentinel errors callers
// branch on with errors.Is.
//
// The production TokenVerifier is constructed via NewFromDiscovery, which
// performs OpenID Connect discovery against the configured issuer and
// validates tokens against its published key set. Test doubles live in the
// authtest subpackage.
//
// # Errors
//
// ErrInvalidToken covers malformed tokens and structural check failures
// (audience, missing subject, nonce mismatch). ErrExpiredToken covers
// validity-window failures beyond the configured leeway. ErrUntrustedIssuer
// covers issuer mismatches and signatures that match no currently published
// key. Callers treat all three as "not authenticated"; the distinction
// exists for logging and tests.
package auth

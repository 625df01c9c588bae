// Package authtest provides test doubles for the auth package. They are
// used by the gateway's own tests and are exported for consumers who want
// to exercise protected handlers without standing up a provider.
package authtest

import (
	"context"
	"time"

	"github.com/ggoodman/authgate-go/auth"
)

// StaticVerifier verifies tokens against a fixed map of raw token values
// to identities. Unknown tokens fail with auth.ErrInvalidToken; identities
// past their expiry fail with auth.ErrExpiredToken.
type StaticVerifier struct {
	// Tokens maps raw token strings to the identity they assert.
	Tokens map[string]auth.Identity
	// Now allows time to be stubbed; defaults to time.Now.
	Now func() time.Time
}

// NewStaticVerifier builds a StaticVerifier that accepts a single token
// asserting the given subject, expiring one hour from now.
func NewStaticVerifier(rawToken, subject string) *StaticVerifier {
	return &StaticVerifier{
		Tokens: map[string]auth.Identity{
			rawToken: {
				Subject: subject,
				Claims:  map[string]string{"sub": subject},
				Expiry:  time.Now().Add(time.Hour),
			},
		},
	}
}

// Verify implements auth.TokenVerifier.
func (s *StaticVerifier) Verify(_ context.Context, rawToken string, opts ...auth.VerifyOption) (auth.Identity, error) {
	var vo auth.VerifyOptions
	for _, opt := range opts {
		opt(&vo)
	}
	id, ok := s.Tokens[rawToken]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if id.ExpiredAt(now) {
		return auth.Identity{}, auth.ErrExpiredToken
	}
	if vo.Nonce != "" {
		if nonce, _ := id.Claim("nonce"); nonce != vo.Nonce {
			return auth.Identity{}, auth.ErrInvalidToken
		}
	}
	return id, nil
}

var _ auth.TokenVerifier = (*StaticVerifier)(nil)

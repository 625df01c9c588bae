// Package jwtauth implements identity-token validation against an OpenID
// Connect provider. It performs discovery to learn the provider's endpoints
// and key set, then validates tokens locally: signature against cached
// keys, issuer, audience, and validity window with clock-skew leeway.
//
// Key rotation is handled with a bounded retry: a signature that matches no
// cached key forces at most one key refetch per validation call before the
// token is rejected.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors mirrored into the public auth package by its adapter.
var (
	ErrInvalid   = errors.New("jwtauth: invalid token")
	ErrExpired   = errors.New("jwtauth: token outside validity window")
	ErrUntrusted = errors.New("jwtauth: untrusted issuer")
)

// Config controls validation behavior for identity tokens.
type Config struct {
	// Issuer is the provider's issuer URL, used for discovery and claim
	// enforcement.
	Issuer string
	// ClientID is this application's registered client identifier; the
	// token's audience must contain it.
	ClientID string
	// AllowedAlgs restricts accepted signing algorithms. Default: RS256.
	AllowedAlgs []string
	// Leeway is the clock-skew tolerance for time-based claims.
	Leeway time.Duration
	// HTTPClient is used for discovery and key fetches. Defaults to a
	// client with a 10 second timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Identity is the validated principal carried back to the public auth
// package. Field semantics match auth.Identity.
type Identity struct {
	Subject string
	Name    string
	Claims  map[string]string
	Expiry  time.Time
}

// Endpoints are the provider endpoints learned during discovery.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSessionEndpoint    string
	JWKSURI               string
}

// Verifier validates identity tokens for one configured provider.
type Verifier struct {
	cfg       *Config
	endpoints Endpoints
	keys      *keyCache
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer, eagerly
// fetches the provider's key set, and returns a Verifier. Any failure here
// should be treated as fatal by callers: a gateway that cannot reach its
// provider's metadata must not start serving.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("jwtauth: config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("jwtauth: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("jwtauth: client id is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("jwtauth: oidc discovery failed: %w", err)
	}

	var meta struct {
		JwksURI       string `json:"jwks_uri"`
		Authorization string `json:"authorization_endpoint"`
		Token         string `json:"token_endpoint"`
		EndSession    string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("jwtauth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("jwtauth: discovery incomplete: missing jwks_uri")
	}
	if meta.Authorization == "" || meta.Token == "" {
		return nil, errors.New("jwtauth: discovery incomplete: missing authorization or token endpoint")
	}

	keys, err := newKeyCache(ctx, meta.JwksURI, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}

	return &Verifier{
		cfg: cfg,
		endpoints: Endpoints{
			AuthorizationEndpoint: meta.Authorization,
			TokenEndpoint:         meta.Token,
			EndSessionEndpoint:    meta.EndSession,
			JWKSURI:               meta.JwksURI,
		},
		keys: keys,
	}, nil
}

// Endpoints returns the provider endpoints learned during discovery.
func (v *Verifier) Endpoints() Endpoints { return v.endpoints }

// Verify validates rawToken and returns the Identity it asserts. When
// expectedNonce is non-empty the token's nonce claim must match it.
func (v *Verifier) Verify(ctx context.Context, rawToken string, expectedNonce string) (Identity, error) {
	if rawToken == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalid)
	}

	parsed, err := v.parse(rawToken)
	if isSignatureFailure(err) {
		// The signature matched no cached key. Force exactly one refetch to
		// pick up rotated keys, then retry once.
		if rerr := v.keys.refresh(ctx); rerr != nil {
			return Identity{}, fmt.Errorf("%w: key refresh failed: %v", ErrUntrusted, rerr)
		}
		parsed, err = v.parse(rawToken)
	}
	if err != nil {
		return Identity{}, classify(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims type", ErrInvalid)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrInvalid)
	}
	if expectedNonce != "" {
		if nonce, _ := claims["nonce"].(string); nonce != expectedNonce {
			return Identity{}, fmt.Errorf("%w: nonce mismatch", ErrInvalid)
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Identity{}, fmt.Errorf("%w: missing exp", ErrInvalid)
	}

	id := Identity{
		Subject: sub,
		Claims:  map[string]string{},
		Expiry:  exp.Time,
	}
	for k, val := range claims {
		if s, ok := val.(string); ok {
			id.Claims[k] = s
		}
	}
	id.Name = id.Claims["name"]
	return id, nil
}

func (v *Verifier) parse(rawToken string) (*jwt.Token, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.ClientID),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	return parser.Parse(rawToken, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.keyFor(kid)
	})
}

// isSignatureFailure reports whether the parse failure means the token's
// signature matched no key in the current cache, which is the only failure
// that warrants a forced key refetch.
func isSignatureFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, jwt.ErrTokenSignatureInvalid) ||
		errors.Is(err, errKeyNotFound) ||
		errors.Is(err, jwt.ErrTokenUnverifiable)
}

// classify maps parser errors onto the package's sentinel taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrUntrusted, err)
	case isSignatureFailure(err):
		return fmt.Errorf("%w: signature matched no published key: %v", ErrUntrusted, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ggoodman/authgate-go/internal/jwtauth"
)

// Endpoints are the identity provider endpoints learned during discovery.
// The login flow uses them to build authorization redirects and exchange
// authorization codes; EndSessionEndpoint may be empty when the provider
// does not advertise one.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSessionEndpoint    string
	JWKSURI               string
}

// Provider combines token verification with the discovered provider
// endpoints. Returned by NewFromDiscovery.
type Provider interface {
	TokenVerifier
	Endpoints() Endpoints
}

// VerifierOption configures optional aspects of the discovery-based token
// verifier (algorithms, leeway, HTTP client). Issuer and client ID are
// required formal arguments to NewFromDiscovery.
type VerifierOption func(*jwtauth.Config)

// WithAllowedAlgs restricts accepted JWS algorithms. "none" is never
// allowed. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) VerifierOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock-skew tolerance for time-based claims.
func WithLeeway(d time.Duration) VerifierOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithHTTPClient sets the HTTP client used for discovery and key fetches.
// Provider calls inherit its timeout; the default client times out after
// 10 seconds.
func WithHTTPClient(client *http.Client) VerifierOption {
	return func(c *jwtauth.Config) { c.HTTPClient = client }
}

// NewFromDiscovery returns a Provider that validates identity tokens issued
// by the given issuer for the given client ID. It performs OpenID Connect
// discovery and eagerly fetches the provider's key set; construction fails
// if either is unreachable, so a misconfigured process refuses to start
// rather than serve requests it cannot authenticate.
func NewFromDiscovery(ctx context.Context, issuer string, clientID string, opts ...VerifierOption) (Provider, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ClientID = clientID
	for _, opt := range opts {
		opt(cfg)
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: internal}, nil
}

// adapter wraps the internal verifier to satisfy the public interface and
// map internal sentinel errors onto the public taxonomy.
type adapter struct {
	v *jwtauth.Verifier
}

func (a *adapter) Verify(ctx context.Context, rawToken string, opts ...VerifyOption) (Identity, error) {
	var vo VerifyOptions
	for _, opt := range opts {
		opt(&vo)
	}
	id, err := a.v.Verify(ctx, rawToken, vo.Nonce)
	if err != nil {
		switch {
		case errors.Is(err, jwtauth.ErrExpired):
			return Identity{}, errors.Join(ErrExpiredToken, err)
		case errors.Is(err, jwtauth.ErrUntrusted):
			return Identity{}, errors.Join(ErrUntrustedIssuer, err)
		default:
			return Identity{}, errors.Join(ErrInvalidToken, err)
		}
	}
	return Identity{
		Subject: id.Subject,
		Name:    id.Name,
		Claims:  id.Claims,
		Expiry:  id.Expiry,
	}, nil
}

func (a *adapter) Endpoints() Endpoints {
	ep := a.v.Endpoints()
	return Endpoints{
		AuthorizationEndpoint: ep.AuthorizationEndpoint,
		TokenEndpoint:         ep.TokenEndpoint,
		EndSessionEndpoint:    ep.EndSessionEndpoint,
		JWKSURI:               ep.JWKSURI,
	}
}

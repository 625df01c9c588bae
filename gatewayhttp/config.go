package gatewayhttp

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the gateway's startup configuration. All fields can be
// populated from the environment via ConfigFromEnv; missing required
// values are a fatal startup error.
type Config struct {
	// Issuer is the identity provider's issuer URL, used for discovery.
	Issuer string `env:"AUTHGATE_ISSUER,required"`
	// ClientID is the client registration identifier at the provider.
	ClientID string `env:"AUTHGATE_CLIENT_ID,required"`
	// ClientSecret is the client credential used for the code exchange.
	ClientSecret string `env:"AUTHGATE_CLIENT_SECRET,required"`
	// ExternalURL is this gateway's externally visible base URL. The
	// callback redirect URI is derived from it.
	ExternalURL string `env:"AUTHGATE_EXTERNAL_URL,required"`

	// Scopes is the space-separated scope set requested at login.
	Scopes string `env:"AUTHGATE_SCOPES,default=openid profile email"`
	// CookieName carries the opaque session identifier.
	CookieName string `env:"AUTHGATE_COOKIE_NAME,default=agid"`
	// CallbackPath receives the provider's authorization-code redirect.
	CallbackPath string `env:"AUTHGATE_CALLBACK_PATH,default=/auth/callback"`
	// LogoutPath revokes the caller's session.
	LogoutPath string `env:"AUTHGATE_LOGOUT_PATH,default=/auth/logout"`

	SessionTTL time.Duration `env:"AUTHGATE_SESSION_TTL,default=8h"`
	// LoginTTL bounds how long an issued login challenge stays redeemable.
	LoginTTL time.Duration `env:"AUTHGATE_LOGIN_TTL,default=5m"`
	// Leeway is the clock-skew tolerance applied to token time claims.
	Leeway time.Duration `env:"AUTHGATE_LEEWAY,default=60s"`
}

// ConfigFromEnv loads and validates configuration from the environment.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that envdecode tags cannot express.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ExternalURL)
	if err != nil {
		return fmt.Errorf("invalid external URL %q: %w", c.ExternalURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("external URL %q must be http or https", c.ExternalURL)
	}
	if u.Host == "" {
		return fmt.Errorf("external URL %q must include a host", c.ExternalURL)
	}
	if !strings.HasPrefix(c.Issuer, "https://") && !strings.HasPrefix(c.Issuer, "http://") {
		return fmt.Errorf("issuer %q must be an absolute URL", c.Issuer)
	}
	if c.CookieName == "" {
		return fmt.Errorf("cookie name must not be empty")
	}
	for _, p := range []string{c.CallbackPath, c.LogoutPath} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("endpoint path %q must start with /", p)
		}
	}
	if c.SessionTTL <= 0 || c.LoginTTL <= 0 {
		return fmt.Errorf("session and login lifetimes must be positive")
	}
	return nil
}

// ScopeList splits the configured scope string.
func (c *Config) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

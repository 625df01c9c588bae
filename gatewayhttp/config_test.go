package gatewayhttp

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Issuer:       "https://idp.example.com",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		ExternalURL:  "https://app.example.com",
		CookieName:   "agid",
		SessionTTL:   8 * time.Hour,
		LoginTTL:     5 * time.Minute,
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	mutations := map[string]func(*Config){
		"relative external url":  func(c *Config) { c.ExternalURL = "app.example.com" },
		"hostless external url":  func(c *Config) { c.ExternalURL = "https://" },
		"non-url issuer":         func(c *Config) { c.Issuer = "idp.example.com" },
		"empty cookie name":      func(c *Config) { c.CookieName = "" },
		"non-positive login ttl": func(c *Config) { c.LoginTTL = 0 },
	}
	for name, mutate := range mutations {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: want validation error", name)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AUTHGATE_ISSUER", "https://idp.example.com")
	t.Setenv("AUTHGATE_CLIENT_ID", "client-1")
	t.Setenv("AUTHGATE_CLIENT_SECRET", "secret-1")
	t.Setenv("AUTHGATE_EXTERNAL_URL", "https://app.example.com")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.CookieName != "agid" {
		t.Fatalf("default cookie name: %q", cfg.CookieName)
	}
	if cfg.SessionTTL != 8*time.Hour {
		t.Fatalf("default session ttl: %v", cfg.SessionTTL)
	}
	if got := cfg.ScopeList(); len(got) != 3 || got[0] != "openid" {
		t.Fatalf("default scopes: %v", got)
	}
}

package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// maxJWKSBytes bounds the JWKS document size we are willing to decode.
const maxJWKSBytes = 1 << 20

var errKeyNotFound = errors.New("jwtauth: no matching key in cached set")

// keyCache holds the provider's published signing keys. Reads are served
// under a shared lock; refetches are serialized through singleflight so
// concurrent validators awaiting a refresh share one fetch instead of each
// hitting the provider.
type keyCache struct {
	jwksURL string
	client  *http.Client

	mu   sync.RWMutex
	keys jose.JSONWebKeySet

	group singleflight.Group
}

// newKeyCache fetches the key set once, eagerly. A provider whose JWKS
// endpoint is unreachable at construction is a startup failure.
func newKeyCache(ctx context.Context, jwksURL string, client *http.Client) (*keyCache, error) {
	if jwksURL == "" {
		return nil, errors.New("jwtauth: jwks url required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := &keyCache{jwksURL: jwksURL, client: client}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// keyFor returns the cached public key with the given key ID, or
// errKeyNotFound when the cached set has no match.
func (c *keyCache) keyFor(kid string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if kid != "" {
		for _, k := range c.keys.Key(kid) {
			if k.Use == "" || k.Use == "sig" {
				return k.Key, nil
			}
		}
		return nil, errKeyNotFound
	}
	// No kid in the token header: only unambiguous if the provider
	// publishes exactly one signing key.
	var match *jose.JSONWebKey
	for i := range c.keys.Keys {
		k := &c.keys.Keys[i]
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if match != nil {
			return nil, errKeyNotFound
		}
		match = k
	}
	if match == nil {
		return nil, errKeyNotFound
	}
	return match.Key, nil
}

// refresh refetches the key set. Concurrent callers share a single
// in-flight fetch and its result; at most one request reaches the provider
// at a time.
func (c *keyCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		set, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = set
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *keyCache) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return set, fmt.Errorf("jwtauth: build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return set, fmt.Errorf("jwtauth: fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return set, fmt.Errorf("jwtauth: fetch jwks: %s returned %d", c.jwksURL, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return set, fmt.Errorf("jwtauth: decode jwks: %w", err)
	}
	return set, nil
}

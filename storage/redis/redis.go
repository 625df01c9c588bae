// Package redis provides a Redis-backed implementation of the storage.Store
// interface for multi-process deployments where sessions and login state
// must be shared across gateway instances.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/authgate-go/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store. Defaults can
// be loaded from the environment via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AUTHGATE_KEY_PREFIX
	KeyPrefix string `env:"AUTHGATE_KEY_PREFIX,default=authgate:"`

	// Client, when set, is used instead of dialing RedisAddr.
	Client *redis.Client
}

// Store implements storage.Store using Redis. Logical expiry lives inside
// the stored envelope; the Redis TTL is stretched by the grace window so a
// lookup can still observe a recently expired record.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// envelope is the JSON structure stored in Redis.
type envelope struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cl := cfg.Client
	if cl == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authgate:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var env struct {
		RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
		KeyPrefix string `env:"AUTHGATE_KEY_PREFIX,default=authgate:"`
	}
	if err := envdecode.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, Config{RedisAddr: env.RedisAddr, KeyPrefix: env.KeyPrefix})
}

// Get retrieves the item for key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Item, error) {
	res, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decodeEnvelope(key, []byte(res))
}

// Set stores data under key. Redis eviction is deferred past the logical
// expiry by the grace window.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := &storage.Options{}
	for _, opt := range opts {
		opt(options)
	}

	now := time.Now()
	env := envelope{Data: data, CreatedAt: now}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		env.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
		if options.Grace != nil {
			redisTTL += *options.Grace
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, raw, redisTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Consume atomically retrieves and deletes the item for key using GETDEL,
// so two concurrent consumers can never both observe the record.
func (s *Store) Consume(ctx context.Context, key string) (*storage.Item, error) {
	res, err := s.client.GetDel(ctx, s.keyPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel %s: %w", key, err)
	}
	return decodeEnvelope(key, []byte(res))
}

// Delete removes the item for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

func decodeEnvelope(key string, raw []byte) (*storage.Item, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope for %s: %w", key, err)
	}
	return &storage.Item{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}, nil
}

var _ storage.Store = (*Store)(nil)

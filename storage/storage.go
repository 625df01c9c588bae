// Package storage defines the expiring key-value store that backs the
// gateway's session and login-state records. Implementations must be safe
// for concurrent use; Consume must be atomic so that two concurrent callers
// can never both obtain the same record.
package storage

import (
	"context"
	"time"
)

// Store is the primary storage contract. Keys are opaque strings; callers
// are expected to prefix their keys to avoid collisions between record
// kinds.
type Store interface {
	// Get retrieves the item for key. Returns (nil, nil) when the key does
	// not exist or has been physically evicted. Items past their logical
	// expiry but within their retention grace are still returned; callers
	// decide what expiry means for their record kind.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Consume atomically retrieves and deletes the item for key. Returns
	// (nil, nil) when the key does not exist. At most one concurrent caller
	// observes a non-nil item for a given key.
	Consume(ctx context.Context, key string) (*Item, error)

	// Delete removes the item for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the backend.
	Close() error
}

// Item is a stored record with its lifecycle metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // logical expiry; nil means no expiry
}

// IsExpired reports whether the item is past its logical expiry.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a Set operation.
type Option func(*Options)

// Options carries per-operation settings.
type Options struct {
	TTL   *time.Duration // logical lifetime of the record
	Grace *time.Duration // retention beyond logical expiry before eviction
}

// WithTTL sets the logical lifetime for the stored record.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// WithGrace keeps the record readable for an additional window after its
// logical expiry. This is what lets lookups distinguish "recently expired"
// from "never existed".
func WithGrace(grace time.Duration) Option {
	return func(o *Options) { o.Grace = &grace }
}

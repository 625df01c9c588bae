// Package sessions maps opaque session identifiers to validated identities
// so the gateway does not re-validate a token on every request. Records live
// in a storage.Store backend; the in-memory backend suits single-process
// deployments and the Redis backend shares sessions across instances.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/authgate-go/auth"
	"github.com/ggoodman/authgate-go/storage"
)

// ErrNotFound indicates no session exists for the identifier. Callers treat
// it as "not authenticated"; it is never surfaced to end users.
var ErrNotFound = errors.New("sessions: not found")

// ErrExpired indicates the session existed but its validity has lapsed. It
// is distinct from ErrNotFound so the gateway can tell a stale client from
// an unknown one.
var ErrExpired = errors.New("sessions: expired")

const (
	keyPrefix = "sess:"
	idBytes   = 32

	defaultTTL              = 8 * time.Hour
	defaultExpiredRetention = time.Hour
)

// Session binds an identifier to the Identity it authenticates. A session
// never exists without a valid identity; its expiry never exceeds the
// identity's token expiry.
type Session struct {
	ID         string        `json:"id"`
	Identity   auth.Identity `json:"identity"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	LastAccess time.Time     `json:"last_access"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL sets the session lifetime. Defaults to 8 hours; the effective
// expiry is always capped by the identity's token expiry.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithExpiredRetention sets how long an expired session stays observable
// (reported as ErrExpired rather than ErrNotFound) before eviction.
func WithExpiredRetention(d time.Duration) StoreOption {
	return func(s *Store) { s.retention = d }
}

// Store creates, resolves, and revokes sessions.
type Store struct {
	backend   storage.Store
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewStore wraps a storage backend in a session store.
func NewStore(backend storage.Store, opts ...StoreOption) *Store {
	s := &Store{
		backend:   backend,
		ttl:       defaultTTL,
		retention: defaultExpiredRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new session owning the given identity and returns its
// identifier. The identity must be valid and unexpired.
func (s *Store) Create(ctx context.Context, identity auth.Identity) (string, error) {
	now := s.now()
	if identity.Subject == "" {
		return "", errors.New("sessions: identity missing subject")
	}
	if identity.ExpiredAt(now) {
		return "", fmt.Errorf("sessions: refusing to create session for expired identity: %w", ErrExpired)
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	sess := Session{
		ID:         id,
		Identity:   identity,
		CreatedAt:  now,
		ExpiresAt:  s.expiry(now, identity),
		LastAccess: now,
	}
	if err := s.put(ctx, sess); err != nil {
		return "", err
	}
	return id, nil
}

// Lookup resolves a session identifier. It returns ErrNotFound for unknown
// identifiers and ErrExpired for sessions whose validity (or whose
// identity's token) has lapsed; an expired session is never returned as
// valid.
func (s *Store) Lookup(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrNotFound
	}
	item, err := s.backend.Get(ctx, keyPrefix+id)
	if err != nil {
		return Session{}, fmt.Errorf("sessions: lookup: %w", err)
	}
	if item == nil {
		return Session{}, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		return Session{}, fmt.Errorf("sessions: decode record: %w", err)
	}
	now := s.now()
	if now.After(sess.ExpiresAt) || sess.Identity.ExpiredAt(now) {
		return Session{}, ErrExpired
	}
	return sess, nil
}

// Touch extends a valid session's expiry window and records the access
// time. Expired or unknown sessions are left untouched and the lookup
// error is returned.
func (s *Store) Touch(ctx context.Context, id string) error {
	sess, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	sess.ExpiresAt = s.expiry(now, sess.Identity)
	sess.LastAccess = now
	return s.put(ctx, sess)
}

// Refresh replaces a session's identity in place, keeping the identifier.
// Used when a re-validated token yields a newer identity snapshot.
func (s *Store) Refresh(ctx context.Context, id string, identity auth.Identity) error {
	sess, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if identity.ExpiredAt(now) {
		return fmt.Errorf("sessions: refusing to refresh with expired identity: %w", ErrExpired)
	}
	sess.Identity = identity
	sess.ExpiresAt = s.expiry(now, identity)
	sess.LastAccess = now
	return s.put(ctx, sess)
}

// Revoke destroys a session. Revoking an unknown identifier is a no-op.
func (s *Store) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.backend.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("sessions: revoke: %w", err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sessions: encode record: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	err = s.backend.Set(ctx, keyPrefix+sess.ID, raw,
		storage.WithTTL(ttl),
		storage.WithGrace(s.retention),
	)
	if err != nil {
		return fmt.Errorf("sessions: store record: %w", err)
	}
	return nil
}

// expiry caps the session lifetime by the identity's token expiry so a
// session can never outlive the identity it owns.
func (s *Store) expiry(now time.Time, identity auth.Identity) time.Time {
	exp := now.Add(s.ttl)
	if !identity.Expiry.IsZero() && identity.Expiry.Before(exp) {
		exp = identity.Expiry
	}
	return exp
}

// newID returns a cryptographically random, URL-safe session identifier.
func newID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("sessions: generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/authgate-go/auth"
	"github.com/ggoodman/authgate-go/storage/memory"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	backend, err := memory.New(128)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s := NewStore(backend)
	s.now = func() time.Time { return now }
	return s, &now
}

func testIdentity(expiry time.Time) auth.Identity {
	return auth.Identity{
		Subject: "user-123",
		Name:    "Ada Lovelace",
		Claims:  map[string]string{"email": "ada@example.com"},
		Expiry:  expiry,
	}
}

func TestCreateLookup(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	id, err := s.Create(ctx, testIdentity(now.Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("want non-empty session id")
	}

	sess, err := s.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sess.Identity.Subject != "user-123" {
		t.Fatalf("identity roundtrip: %+v", sess.Identity)
	}
	if !sess.ExpiresAt.Equal(now.Add(defaultTTL)) {
		t.Fatalf("want default ttl expiry, got %v", sess.ExpiresAt)
	}
}

func TestCreateIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		id, err := s.Create(ctx, testIdentity(now.Add(time.Hour)))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestCreateRejectsBadIdentity(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	if _, err := s.Create(ctx, auth.Identity{Expiry: now.Add(time.Hour)}); err == nil {
		t.Fatal("want error for identity without subject")
	}
	if _, err := s.Create(ctx, testIdentity(now.Add(-time.Minute))); err == nil {
		t.Fatal("want error for expired identity")
	}
}

func TestLookupUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Lookup(context.Background(), "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := s.Lookup(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for empty id, got %v", err)
	}
}

// Expired is distinct from NotFound: a stale client is recognized as such
// while its record is still within the retention window.
func TestLookupExpired(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	s.ttl = 30 * time.Minute

	id, err := s.Create(ctx, testIdentity(now.Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	*now = now.Add(31 * time.Minute)
	if _, err := s.Lookup(ctx, id); !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
}

// A session never outlives the identity it owns: lookup reports Expired as
// soon as the identity's token expiry passes, even if the session window
// itself has time left.
func TestLookupIdentityExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	id, err := s.Create(ctx, testIdentity(now.Add(10*time.Minute)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, err := s.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !sess.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("session expiry should be capped by identity expiry, got %v", sess.ExpiresAt)
	}

	*now = now.Add(11 * time.Minute)
	if _, err := s.Lookup(ctx, id); !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
}

func TestTouchExtends(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	s.ttl = time.Hour

	id, err := s.Create(ctx, testIdentity(now.Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	*now = now.Add(30 * time.Minute)
	if err := s.Touch(ctx, id); err != nil {
		t.Fatalf("touch: %v", err)
	}

	sess, err := s.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !sess.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("touch should extend expiry from access time, got %v", sess.ExpiresAt)
	}
	if !sess.LastAccess.Equal(*now) {
		t.Fatalf("last access not recorded: %v", sess.LastAccess)
	}
}

func TestRefreshReplacesIdentity(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	id, err := s.Create(ctx, testIdentity(now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	replacement := testIdentity(now.Add(2 * time.Hour))
	replacement.Claims = map[string]string{"email": "new@example.com"}
	if err := s.Refresh(ctx, id, replacement); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	sess, err := s.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sess.Identity.Claims["email"] != "new@example.com" {
		t.Fatalf("identity not replaced: %+v", sess.Identity)
	}

	if err := s.Refresh(ctx, id, testIdentity(now.Add(-time.Minute))); err == nil {
		t.Fatal("want error refreshing with expired identity")
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	id, err := s.Create(ctx, testIdentity(now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Lookup(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after revoke, got %v", err)
	}

	// Idempotent: revoking again (or an unknown id) is a no-op.
	if err := s.Revoke(ctx, id); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if err := s.Revoke(ctx, "never-existed"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}
}

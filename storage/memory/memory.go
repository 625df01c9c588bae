// Package memory provides an in-memory implementation of the storage.Store
// interface using github.com/hashicorp/golang-lru/v2 for bounded caching.
// It is the default backend for single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/authgate-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const sweepInterval = time.Minute

// entry tracks physical eviction separately from the record's logical
// expiry so recently expired items remain observable for their grace
// window.
type entry struct {
	item    *storage.Item
	evictAt *time.Time
}

func (e *entry) evictable(now time.Time) bool {
	return e.evictAt != nil && now.After(*e.evictAt)
}

// Store implements storage.Store backed by a bounded LRU map.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
	done  chan struct{}
	once  sync.Once
}

// New creates an in-memory store holding at most maxItems records. Least
// recently used records are dropped when the bound is hit, which for
// session records behaves like forced logout of the coldest sessions.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *entry](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}

	s := &Store{cache: cache, done: make(chan struct{})}
	go s.sweep()
	return s, nil
}

// Get retrieves the item for key, evicting it if its retention has lapsed.
func (s *Store) Get(_ context.Context, key string) (*storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if e.evictable(time.Now()) {
		s.cache.Remove(key)
		return nil, nil
	}
	return e.item, nil
}

// Set stores data under key.
func (s *Store) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	options := &storage.Options{}
	for _, opt := range opts {
		opt(options)
	}

	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	e := &entry{item: item}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		evictAt := expiresAt
		if options.Grace != nil {
			evictAt = evictAt.Add(*options.Grace)
		}
		e.evictAt = &evictAt
	}

	s.mu.Lock()
	s.cache.Add(key, e)
	s.mu.Unlock()
	return nil
}

// Consume atomically retrieves and deletes the item for key. The single
// mutex makes check-and-delete atomic across concurrent callers.
func (s *Store) Consume(_ context.Context, key string) (*storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	s.cache.Remove(key)
	if e.evictable(time.Now()) {
		return nil, nil
	}
	return e.item, nil
}

// Delete removes the item for key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// Close stops the background sweeper and drops all records.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// sweep periodically evicts records whose retention has lapsed so that
// abandoned login attempts and dead sessions do not linger until their key
// happens to be touched.
func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		now := time.Now()
		s.mu.Lock()
		for _, key := range s.cache.Keys() {
			if e, ok := s.cache.Peek(key); ok && e.evictable(now) {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Store = (*Store)(nil)

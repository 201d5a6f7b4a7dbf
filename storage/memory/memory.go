// Package memory provides a bounded in-process storage.Storage backed by
// github.com/hashicorp/golang-lru/v2. When the cache is full the least
// recently used record is evicted, so size it above the expected number of
// live sessions and grants.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-host-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSweepInterval = 5 * time.Minute

// Storage implements storage.Storage in memory.
type Storage struct {
	mu     sync.RWMutex
	cache  *lru.Cache[string, *storage.Item]
	now    func() time.Time
	done   chan struct{}
	closed bool
}

// Option configures the memory store.
type Option func(*config)

type config struct {
	now           func() time.Time
	sweepInterval time.Duration
}

// WithClock overrides the time source used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSweepInterval sets how often expired items are purged in the
// background. Zero or negative disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		c.sweepInterval = d
	}
}

// New creates a memory store holding at most maxItems records.
func New(maxItems int, opts ...Option) (*Storage, error) {
	cfg := config{now: time.Now, sweepInterval: defaultSweepInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		now:   cfg.now,
		done:  make(chan struct{}),
	}

	if cfg.sweepInterval > 0 {
		go s.sweepLoop(cfg.sweepInterval)
	}

	return s, nil
}

// Get retrieves data for key.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Resolve(opts...)
	k := buildKey(o.Namespace, key)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, storage.ErrClosed
	}
	item, ok := s.cache.Get(k)
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if item.IsExpired(s.now()) {
		s.mu.Lock()
		s.cache.Remove(k)
		s.mu.Unlock()
		return nil, nil
	}

	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

// Set stores data for key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Resolve(opts...)
	now := s.now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.cache.Add(buildKey(o.Namespace, key), item)
	return nil
}

// Delete removes a key or, without WithKey, the whole namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Resolve(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	if o.Key != nil {
		s.cache.Remove(buildKey(o.Namespace, *o.Key))
		return nil
	}
	prefix := namespacePrefix(o.Namespace)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Keys lists live keys of a namespace.
func (s *Storage) Keys(ctx context.Context, opts ...storage.Option) ([]string, error) {
	o := storage.Resolve(opts...)
	prefix := namespacePrefix(o.Namespace)
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var out []string
	for _, k := range s.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if item, ok := s.cache.Peek(k); ok && !item.IsExpired(now) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	return out, nil
}

// Close purges the cache and stops the sweeper. It is safe to call twice.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.cache.Purge()
	return nil
}

func (s *Storage) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *Storage) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range s.cache.Keys() {
		if item, ok := s.cache.Peek(k); ok && item.IsExpired(now) {
			s.cache.Remove(k)
		}
	}
}

func namespacePrefix(ns string) string {
	return storage.NamespaceOrGlobal(ns) + ":"
}

func buildKey(ns, key string) string {
	return namespacePrefix(ns) + key
}

var _ storage.Storage = (*Storage)(nil)

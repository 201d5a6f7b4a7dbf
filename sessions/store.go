package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-host-go/storage"
)

// Store persists sessions. Implementations must be safe for concurrent use
// and must return copies that callers may mutate freely.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error) // nil, nil when absent
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}

// MemoryStore keeps sessions in a process-local map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

const defaultStorageGrace = 10 * time.Minute

// StorageStore persists sessions as JSON records in a storage.Storage. Each
// record's TTL runs to the session's expiration plus a grace period, so the
// host still observes (and reports) expiry before the backend drops it.
type StorageStore struct {
	backend storage.Storage
	grace   time.Duration
}

// NewStorageStore wraps backend. A non-positive grace selects the default.
func NewStorageStore(backend storage.Storage, grace time.Duration) *StorageStore {
	if grace <= 0 {
		grace = defaultStorageGrace
	}
	return &StorageStore{backend: backend, grace: grace}
}

var nsSessions = storage.WithNamespace(storage.NamespaceSessions)

func (s *StorageStore) Get(ctx context.Context, id string) (*Session, error) {
	item, err := s.backend.Get(ctx, id, nsSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if item == nil {
		return nil, nil
	}
	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *StorageStore) Put(ctx context.Context, sess *Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ttl := time.Until(sess.Expiration) + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}
	if err := s.backend.Set(ctx, sess.ID, b, nsSessions, storage.WithTTL(ttl)); err != nil {
		return fmt.Errorf("failed to store session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *StorageStore) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, nsSessions, storage.WithKey(id)); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *StorageStore) List(ctx context.Context) ([]*Session, error) {
	keys, err := s.backend.Keys(ctx, nsSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]*Session, 0, len(keys))
	for _, k := range keys {
		sess, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*StorageStore)(nil)
)

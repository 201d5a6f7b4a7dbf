// Package storagetest provides a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-host-go/storage"
)

// Factory returns a fresh, empty store. Cleanup is the caller's concern.
type Factory func(t *testing.T) storage.Storage

// Options tunes the suite for backends with coarse TTL resolution.
type Options struct {
	// TTL is the lifetime used by the expiry test.
	TTL time.Duration
	// Wait is how long the expiry test sleeps before expecting the key gone.
	Wait time.Duration
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory, opts Options) {
	t.Helper()
	if opts.TTL == 0 {
		opts.TTL = 50 * time.Millisecond
	}
	if opts.Wait == 0 {
		opts.Wait = 3 * opts.TTL
	}

	t.Run("SetAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.Set(ctx, "k1", []byte("v1"), storage.WithNamespace(storage.NamespaceSessions)); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		item, err := s.Get(ctx, "k1", storage.WithNamespace(storage.NamespaceSessions))
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item == nil || string(item.Data) != "v1" {
			t.Fatalf("Get() = %+v, want v1", item)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item != nil {
			t.Fatalf("Get() = %+v, want nil", item)
		}
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_ = s.Set(ctx, "id", []byte("session"), storage.WithNamespace(storage.NamespaceSessions))
		_ = s.Set(ctx, "id", []byte("consent"), storage.WithNamespace(storage.NamespaceConsents))

		item, err := s.Get(ctx, "id", storage.WithNamespace(storage.NamespaceConsents))
		if err != nil || item == nil || string(item.Data) != "consent" {
			t.Fatalf("Get(consents) = %+v, %v", item, err)
		}
		if item, _ := s.Get(ctx, "id"); item != nil {
			t.Fatalf("global namespace should not see namespaced key, got %+v", item)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ns := storage.WithNamespace(storage.NamespaceConsents)

		for _, k := range []string{"a", "b", "c"} {
			if err := s.Set(ctx, k, []byte(k), ns); err != nil {
				t.Fatalf("Set(%s) failed: %v", k, err)
			}
		}
		_ = s.Set(ctx, "other", []byte("x"), storage.WithNamespace(storage.NamespaceSessions))

		keys, err := s.Keys(ctx, ns)
		if err != nil {
			t.Fatalf("Keys() failed: %v", err)
		}
		sort.Strings(keys)
		if got := strings.Join(keys, ","); got != "a,b,c" {
			t.Fatalf("Keys() = %s, want a,b,c", got)
		}
	})

	t.Run("DeleteKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ns := storage.WithNamespace(storage.NamespaceSessions)

		_ = s.Set(ctx, "a", []byte("1"), ns)
		_ = s.Set(ctx, "b", []byte("2"), ns)
		if err := s.Delete(ctx, ns, storage.WithKey("a")); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		if item, _ := s.Get(ctx, "a", ns); item != nil {
			t.Fatal("deleted key still present")
		}
		if item, _ := s.Get(ctx, "b", ns); item == nil {
			t.Fatal("sibling key was deleted")
		}
	})

	t.Run("DeleteNamespace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sessions := storage.WithNamespace(storage.NamespaceSessions)
		consents := storage.WithNamespace(storage.NamespaceConsents)

		_ = s.Set(ctx, "a", []byte("1"), sessions)
		_ = s.Set(ctx, "b", []byte("2"), sessions)
		_ = s.Set(ctx, "c", []byte("3"), consents)

		if err := s.Delete(ctx, sessions); err != nil {
			t.Fatalf("Delete(namespace) failed: %v", err)
		}
		keys, _ := s.Keys(ctx, sessions)
		if len(keys) != 0 {
			t.Fatalf("Keys() after namespace delete = %v", keys)
		}
		if item, _ := s.Get(ctx, "c", consents); item == nil {
			t.Fatal("other namespace was affected")
		}
	})

	t.Run("TTL", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.Set(ctx, "short", []byte("x"), storage.WithTTL(opts.TTL)); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
		item, err := s.Get(ctx, "short")
		if err != nil || item == nil {
			t.Fatalf("Get() before expiry = %+v, %v", item, err)
		}
		if item.ExpiresAt == nil {
			t.Fatal("ExpiresAt should be set")
		}

		time.Sleep(opts.Wait)

		item, err = s.Get(ctx, "short")
		if err != nil {
			t.Fatalf("Get() after expiry failed: %v", err)
		}
		if item != nil {
			t.Fatal("expired item should not be returned")
		}
	})
}

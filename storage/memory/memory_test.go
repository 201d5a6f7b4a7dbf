package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-host-go/storage"
	"github.com/ggoodman/mcp-host-go/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := New(100)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	}, storagetest.Options{})
}

func TestLRUEviction(t *testing.T) {
	s, err := New(2, WithSweepInterval(0))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "b", []byte("2"))
	_ = s.Set(ctx, "c", []byte("3"))

	if item, _ := s.Get(ctx, "a"); item != nil {
		t.Fatal("oldest key should have been evicted")
	}
	if item, _ := s.Get(ctx, "c"); item == nil {
		t.Fatal("newest key missing")
	}
}

func TestClosed(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if err := s.Set(context.Background(), "k", nil); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Set() after Close = %v, want ErrClosed", err)
	}
}

func TestInvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("New(0) should fail")
	}
}

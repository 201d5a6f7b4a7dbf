// Package storage is the optional durability layer of the host. Session and
// consent tables write through to a Storage so that they can be restored after
// a restart or shared between replicas pointing at the same backend.
//
// Keys live in flat namespaces ("sessions", "consents", ...). A missing or
// expired key is not an error: Get returns a nil item.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced key/value store with optional per-key TTL.
type Storage interface {
	// Get retrieves data for key. Returns a nil item if the key doesn't exist
	// or has expired. Returns an error only for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for key.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key when WithKey is given, otherwise the whole
	// namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Keys lists the live keys of a namespace in no particular order.
	Keys(ctx context.Context, opts ...Option) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Item is a stored value with metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has expired at now.
func (it *Item) IsExpired(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options collects per-call settings.
type Options struct {
	Namespace string
	Key       *string
	TTL       *time.Duration
}

// Resolve applies opts over the zero Options.
func Resolve(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Namespaces used by the host.
const (
	NamespaceSessions = "sessions"
	NamespaceConsents = "consents"
)

// WithNamespace selects the namespace. The empty namespace is "global".
func WithNamespace(ns string) Option {
	return func(o *Options) {
		o.Namespace = ns
	}
}

// WithKey targets a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) {
		o.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = &ttl
	}
}

// NamespaceOrGlobal returns ns or "global" when empty.
func NamespaceOrGlobal(ns string) string {
	if ns == "" {
		return "global"
	}
	return ns
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
)

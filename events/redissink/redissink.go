// Package redissink appends host events to a Redis stream so that audit
// consumers outside the process can read lifecycle changes and violations.
package redissink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-host-go/events"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream  = "mcp:host:events"
	defaultMaxLen  = 10000
	defaultTimeout = 2 * time.Second
)

// Config configures a Sink.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// Stream is the stream key.
	// Default: "mcp:host:events"
	Stream string

	// MaxLen caps the stream length (approximate trimming).
	// Default: 10000
	MaxLen int64

	// WriteTimeout bounds each append made from a bus callback.
	// Default: 2s
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Sink writes events to a Redis stream.
type Sink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	bus   *events.Bus
	subID string
}

// New creates a sink.
func New(cfg Config) (*Sink, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &Sink{
		client:  cfg.Client,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		timeout: cfg.WriteTimeout,
		log:     cfg.Logger,
	}
	if s.stream == "" {
		s.stream = defaultStream
	}
	if s.maxLen <= 0 {
		s.maxLen = defaultMaxLen
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Write appends one event and returns its stream id.
func (s *Sink) Write(ctx context.Context, ev events.Event) (string, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return "", fmt.Errorf("failed to encode event data: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"type": string(ev.Type),
			"ts":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"data": data,
		},
	}).Result()
}

// Attach subscribes the sink to every event on bus. Append failures are
// logged; they never reach the publisher.
func (s *Sink) Attach(bus *events.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus != nil {
		s.bus.Unsubscribe(s.subID)
	}
	s.bus = bus
	s.subID = bus.Subscribe(events.AllTypes, func(ev events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Write(ctx, ev); err != nil {
			s.log.Error("redissink.write_failed", slog.String("type", string(ev.Type)), slog.String("err", err.Error()))
		}
	})
}

// Detach stops forwarding events.
func (s *Sink) Detach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return false
	}
	ok := s.bus.Unsubscribe(s.subID)
	s.bus, s.subID = nil, ""
	return ok
}

// Recent returns up to n of the newest events, newest first.
func (s *Sink) Recent(ctx context.Context, n int64) ([]events.Event, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := decode(m.Values)
		if err != nil {
			return nil, fmt.Errorf("stream entry %s: %w", m.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func decode(values map[string]any) (events.Event, error) {
	var ev events.Event
	t, _ := values["type"].(string)
	ev.Type = events.Type(t)
	if ts, ok := values["ts"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return ev, err
		}
		ev.Timestamp = parsed
	}
	if raw, ok := values["data"].(string); ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &ev.Data); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

package host

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-host-go/auth"
	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/ggoodman/mcp-host-go/events"
	"github.com/ggoodman/mcp-host-go/sessions"
	"github.com/ggoodman/mcp-host-go/storage"
)

// DefaultCallTimeout bounds each outbound server call.
const DefaultCallTimeout = 30 * time.Second

type config struct {
	logger           *slog.Logger
	verifier         auth.Verifier
	issuer           auth.Issuer
	sessionStore     sessions.Store
	consentStorage   storage.Storage
	tokenLifetime    time.Duration
	cleanupInterval  time.Duration
	defaultConsent   consent.Level
	batchEnabled     bool
	requireAuth      bool
	callTimeout      time.Duration
	clientIdle       time.Duration
	dangerousTools   []string
	violationLogSize int
	now              func() time.Time
	bus              *events.Bus
}

func defaultConfig() config {
	return config{
		logger:         slog.New(slog.DiscardHandler),
		defaultConsent: consent.None,
		batchEnabled:   true,
		requireAuth:    true,
		callTimeout:    DefaultCallTimeout,
		now:            time.Now,
	}
}

// Option configures a Host.
type Option func(*config)

// WithLogger sets the logger. Records are enriched with routing details
// carried in the context.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithVerifier sets the credential verifier used by Authenticate.
func WithVerifier(v auth.Verifier) Option {
	return func(c *config) { c.verifier = v }
}

// WithIssuer sets how session tokens are minted.
func WithIssuer(i auth.Issuer) Option {
	return func(c *config) { c.issuer = i }
}

// WithSessionStore sets the session table backend.
func WithSessionStore(s sessions.Store) Option {
	return func(c *config) { c.sessionStore = s }
}

// WithConsentStorage enables write-through persistence of consent grants.
func WithConsentStorage(s storage.Storage) Option {
	return func(c *config) { c.consentStorage = s }
}

// WithTokenLifetime sets the sliding session lifetime.
func WithTokenLifetime(d time.Duration) Option {
	return func(c *config) { c.tokenLifetime = d }
}

// WithCleanupInterval sets the minimum spacing of session sweeps and the
// period used by Run.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// WithDefaultConsentLevel sets the level assumed when no grant matches.
func WithDefaultConsentLevel(l consent.Level) Option {
	return func(c *config) { c.defaultConsent = l }
}

// WithBatchEnabled toggles atomic batch forwarding. When disabled batches are
// routed item by item.
func WithBatchEnabled(enabled bool) Option {
	return func(c *config) { c.batchEnabled = enabled }
}

// WithRequireAuthentication controls whether operations above READ_ONLY need
// an active session. Defaults to true.
func WithRequireAuthentication(required bool) Option {
	return func(c *config) { c.requireAuth = required }
}

// WithCallTimeout bounds each outbound server call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.callTimeout = d
		}
	}
}

// WithClientIdleTimeout makes Sweep unregister clients idle for longer than
// d. Zero disables idle eviction.
func WithClientIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.clientIdle = d
		}
	}
}

// WithDangerousTools flags tool names as dangerous on every server,
// in addition to the tools servers flag themselves.
func WithDangerousTools(names ...string) Option {
	return func(c *config) { c.dangerousTools = append(c.dangerousTools, names...) }
}

// WithViolationLogSize sets the size of the authorization violation ring.
func WithViolationLogSize(n int) Option {
	return func(c *config) { c.violationLogSize = n }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(b *events.Bus) Option {
	return func(c *config) { c.bus = b }
}

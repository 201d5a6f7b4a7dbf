// Package policy loads declarative host policy from a YAML file: the users
// allowed to authenticate and standing consent grants. A policy can be
// re-applied on change; grants from the previous application are revoked
// first.
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-host-go/auth"
	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/ggoodman/mcp-host-go/sessions"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// ReasonReload is the revocation reason for grants replaced by a reload.
const ReasonReload = "policy reload"

// ErrInvalidPolicy wraps every validation failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// Document is the policy file.
type Document struct {
	Users    []User    `yaml:"users" json:"users,omitempty" jsonschema:"description=Users allowed to authenticate with a password"`
	Consents []Consent `yaml:"consents" json:"consents,omitempty" jsonschema:"description=Standing consent grants"`
}

// User is a password user.
type User struct {
	Username     string `yaml:"username" json:"username" jsonschema:"minLength=1"`
	PasswordHash string `yaml:"password_hash" json:"password_hash" jsonschema:"description=bcrypt hash"`
	Role         string `yaml:"role,omitempty" json:"role,omitempty" jsonschema:"enum=USER,enum=POWER_USER,enum=ADMIN"`
}

// Consent is a standing grant.
type Consent struct {
	ClientID  string     `yaml:"client_id" json:"client_id" jsonschema:"minLength=1"`
	ServerID  string     `yaml:"server_id" json:"server_id" jsonschema:"minLength=1"`
	Pattern   string     `yaml:"pattern" json:"pattern" jsonschema:"description=Operation pattern such as tools/* or resources/**"`
	Level     string     `yaml:"level" json:"level" jsonschema:"enum=NONE,enum=READ_ONLY,enum=BASIC,enum=ELEVATED,enum=FULL"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Parse decodes and validates a policy document. Unknown keys are rejected.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads and parses the policy file at path.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return Parse(bytes.NewReader(b))
}

// Validate checks roles, levels, patterns and username uniqueness.
func (d *Document) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(d.Users))
	for i, u := range d.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("users[%d]: username is required", i))
		}
		if _, dup := seen[u.Username]; dup {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username))
		}
		seen[u.Username] = struct{}{}
		if u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("users[%d]: password_hash is required", i))
		}
		if u.Role != "" {
			if _, err := sessions.ParseRole(u.Role); err != nil {
				errs = append(errs, fmt.Errorf("users[%d]: %w", i, err))
			}
		}
	}
	for i, c := range d.Consents {
		if c.ClientID == "" || c.ServerID == "" {
			errs = append(errs, fmt.Errorf("consents[%d]: client_id and server_id are required", i))
		}
		if _, err := consent.Compile(c.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("consents[%d]: %w", i, err))
		}
		if _, err := consent.ParseLevel(c.Level); err != nil {
			errs = append(errs, fmt.Errorf("consents[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}

// StaticUsers converts the policy users for an auth.StaticVerifier.
func (d *Document) StaticUsers() []auth.StaticUser {
	out := make([]auth.StaticUser, len(d.Users))
	for i, u := range d.Users {
		out[i] = auth.StaticUser{Username: u.Username, PasswordHash: u.PasswordHash, Role: u.Role}
	}
	return out
}

// Schema returns the JSON Schema of the policy document.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(Document))
}

// ConsentRegistrar is where an Applier places grants. *host.Host satisfies it.
type ConsentRegistrar interface {
	RegisterConsent(ctx context.Context, clientID, serverID, pattern string, level consent.Level, expiration *time.Time) (string, error)
	RevokeConsent(ctx context.Context, consentID, reason string) bool
}

// consentLister is implemented by registrars that can enumerate grants.
// Apply uses it to replace grants left behind by an earlier process.
type consentLister interface {
	Consents(clientID, serverID string) []consent.Grant
}

// Applier applies documents to a host, remembering which grants it created.
type Applier struct {
	reg   ConsentRegistrar
	users *auth.StaticVerifier
	now   func() time.Time
	log   *slog.Logger

	mu     sync.Mutex
	grants []string
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithUsers makes Apply replace the user table of v.
func WithUsers(v *auth.StaticVerifier) ApplierOption {
	return func(a *Applier) { a.users = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ApplierOption {
	return func(a *Applier) {
		if l != nil {
			a.log = l
		}
	}
}

// WithClock overrides the time source used to skip lapsed grants.
func WithClock(now func() time.Time) ApplierOption {
	return func(a *Applier) {
		if now != nil {
			a.now = now
		}
	}
}

// NewApplier creates an Applier placing grants into reg.
func NewApplier(reg ConsentRegistrar, opts ...ApplierOption) *Applier {
	a := &Applier{reg: reg, now: time.Now, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply revokes the grants of the previous application, registers the
// document's grants and swaps in its users. Grants whose expiry has already
// passed are skipped.
func (a *Applier) Apply(ctx context.Context, doc *Document) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range a.grants {
		a.reg.RevokeConsent(ctx, id, ReasonReload)
	}
	a.grants = a.grants[:0]

	if a.users != nil {
		a.users.Replace(doc.StaticUsers())
	}

	var errs []error
	now := a.now()
	for i, c := range doc.Consents {
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			a.log.WarnContext(ctx, "policy.consent.lapsed", slog.Int("index", i), slog.String("client_id", c.ClientID))
			continue
		}
		level, err := consent.ParseLevel(c.Level)
		if err != nil {
			errs = append(errs, fmt.Errorf("consents[%d]: %w", i, err))
			continue
		}
		a.revokeStale(ctx, c)
		id, err := a.reg.RegisterConsent(ctx, c.ClientID, c.ServerID, c.Pattern, level, c.ExpiresAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("consents[%d]: %w", i, err))
			continue
		}
		a.grants = append(a.grants, id)
	}

	a.log.InfoContext(ctx, "policy.applied", slog.Int("users", len(doc.Users)), slog.Int("consents", len(a.grants)))
	return errors.Join(errs...)
}

// revokeStale drops grants for the same client, server and pattern as c.
// The policy file is authoritative for the tuples it names.
func (a *Applier) revokeStale(ctx context.Context, c Consent) {
	l, ok := a.reg.(consentLister)
	if !ok {
		return
	}
	for _, g := range l.Consents(c.ClientID, c.ServerID) {
		if g.Pattern == c.Pattern {
			a.reg.RevokeConsent(ctx, g.ID, ReasonReload)
		}
	}
}

// Grants returns the ids of grants created by the last Apply.
func (a *Applier) Grants() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.grants...)
}

// Watch calls fn with the reparsed document each time the file at path is
// written or replaced, until ctx is done. Documents that fail to parse are
// logged and skipped. The parent directory is watched so that atomic
// replacements by editors and config management are seen.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(*Document)) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			doc, err := Load(target)
			if err != nil {
				log.WarnContext(ctx, "policy.reload_failed", slog.String("path", target), slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "policy.reloaded", slog.String("path", target))
			fn(doc)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "policy.watch_error", slog.String("err", err.Error()))
		}
	}
}

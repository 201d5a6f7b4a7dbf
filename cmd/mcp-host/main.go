// Command mcp-host runs a host that brokers JSON-RPC traffic between
// registered clients and upstream MCP servers over HTTP. Configuration comes
// from the environment; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-host-go/auth"
	"github.com/ggoodman/mcp-host-go/events/redissink"
	"github.com/ggoodman/mcp-host-go/host"
	"github.com/ggoodman/mcp-host-go/hosthttp"
	"github.com/ggoodman/mcp-host-go/internal/config"
	"github.com/ggoodman/mcp-host-go/policy"
	"github.com/ggoodman/mcp-host-go/sessions"
	"github.com/ggoodman/mcp-host-go/storage"
	"github.com/ggoodman/mcp-host-go/storage/memory"
	redisstorage "github.com/ggoodman/mcp-host-go/storage/redis"
	"github.com/ggoodman/mcp-host-go/upstream"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-host: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("host.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	store, err := openStorage(cfg, rdb)
	if err != nil {
		return err
	}
	defer store.Close()

	users := auth.NewStaticVerifier()
	verifier, err := newVerifier(ctx, cfg, users)
	if err != nil {
		return err
	}
	issuer, err := newIssuer(cfg)
	if err != nil {
		return err
	}
	level, _ := cfg.ConsentLevel()

	h := host.New(
		host.WithLogger(log),
		host.WithVerifier(verifier),
		host.WithIssuer(issuer),
		host.WithSessionStore(sessions.NewStorageStore(store, 0)),
		host.WithConsentStorage(store),
		host.WithTokenLifetime(cfg.TokenLifetime),
		host.WithCleanupInterval(cfg.CleanupInterval),
		host.WithDefaultConsentLevel(level),
		host.WithBatchEnabled(cfg.BatchEnabled),
		host.WithRequireAuthentication(cfg.RequireAuth),
		host.WithCallTimeout(cfg.CallTimeout),
		host.WithClientIdleTimeout(cfg.ClientIdleTimeout),
		host.WithDangerousTools(cfg.Dangerous()...),
	)

	if n, err := h.RestoreConsents(ctx); err != nil {
		log.WarnContext(ctx, "host.consents.restore_failed", slog.String("err", err.Error()))
	} else {
		log.InfoContext(ctx, "host.consents.restored", slog.Int("count", n))
	}

	if rdb != nil {
		sink, err := redissink.New(redissink.Config{Client: rdb, Stream: cfg.EventStream, Logger: log})
		if err != nil {
			return err
		}
		sink.Attach(h.Events())
		defer sink.Detach()
	}

	applier := policy.NewApplier(h, policy.WithUsers(users), policy.WithLogger(log))
	if cfg.PolicyPath != "" {
		doc, err := policy.Load(cfg.PolicyPath)
		if err != nil {
			return err
		}
		if err := applier.Apply(ctx, doc); err != nil {
			log.WarnContext(ctx, "policy.apply.partial", slog.String("err", err.Error()))
		}
	}

	if cfg.UpstreamPath != "" {
		f, err := upstream.Load(cfg.UpstreamPath)
		if err != nil {
			return err
		}
		closeUpstreams, err := upstream.RegisterAll(ctx, h, f, version, log)
		defer func() { _ = closeUpstreams() }()
		if err != nil {
			return err
		}
	}

	handler, err := hosthttp.New(h, hosthttp.WithLogger(log), hosthttp.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	if cfg.PolicyPath != "" {
		g.Go(func() error {
			return policy.Watch(gctx, cfg.PolicyPath, log, func(doc *policy.Document) {
				if err := applier.Apply(gctx, doc); err != nil {
					log.WarnContext(gctx, "policy.apply.partial", slog.String("err", err.Error()))
				}
			})
		})
	}
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStorage(cfg config.Config, rdb *redis.Client) (storage.Storage, error) {
	if rdb != nil {
		return redisstorage.New(redisstorage.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix})
	}
	return memory.New(cfg.MemoryItems)
}

func newVerifier(ctx context.Context, cfg config.Config, users *auth.StaticVerifier) (auth.Verifier, error) {
	switch {
	case cfg.OIDCIssuer != "":
		return auth.NewOIDCVerifier(ctx, auth.OIDCConfig{Issuer: cfg.OIDCIssuer, ClientID: cfg.OIDCClientID, RoleClaim: cfg.RoleClaim})
	case cfg.JWKSURL != "":
		return auth.NewJWKSVerifier(ctx, auth.JWKSConfig{
			Issuer:            cfg.JWKSIssuer,
			ExpectedAudiences: []string{cfg.JWKSAudience},
			JWKSURL:           cfg.JWKSURL,
			RoleClaim:         cfg.RoleClaim,
		})
	default:
		return users, nil
	}
}

func newIssuer(cfg config.Config) (auth.Issuer, error) {
	switch cfg.TokenFormat {
	case "jwt":
		return auth.NewJWTIssuer([]byte(cfg.JWTSecret), cfg.TokenIssuer)
	case "jws":
		return auth.NewJWSIssuerWithKey(cfg.TokenIssuer)
	default:
		return auth.OpaqueIssuer{}, nil
	}
}

package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/obol/internal/auth"
	"github.com/MGallo-Code/obol/internal/backend"
	"github.com/MGallo-Code/obol/internal/config"
	"github.com/MGallo-Code/obol/internal/login"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// discoveryTimeout bounds each OIDC discovery request at start-up.
const discoveryTimeout = 10 * time.Second

func main() {
	// .env is optional; real environment variables win.
	if err := config.LoadDotEnv(os.Getenv("OBOL_ENV_FILE")); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		var cfgErr *oauth.ConfigurationError
		if errors.As(err, &cfgErr) {
			slog.Error("invalid provider configuration", "provider", cfgErr.Provider, "field", cfgErr.Field, "err", err)
		} else {
			slog.Error("fatal", "err", err)
		}
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	registry, err := buildRegistry(ctx, cfg.Providers)
	if err != nil {
		return err
	}

	// Create shared Redis client; attempts and rate limiter share one pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	attempts := store.NewRedisAttempts(rdb, cfg.AttemptTTL)
	rl := store.NewRedisRateLimiter(rdb)

	// Audit log is optional: no DATABASE_URL means events are dropped.
	var audit auth.AuditLog = store.NopAuditLog{}
	if cfg.DatabaseURL != "" {
		ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to set up postgres store: %w", err)
		}
		defer ps.Close()

		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			return fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		if err := ps.Migrate(ctx, migrationsFS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		audit = ps

		// Login event cleanup goroutine; runs every 24h, cancelled when run() returns.
		cleanupCtx, cancelCleanup := context.WithCancel(ctx)
		defer cancelCleanup()
		go cleanupLoginEvents(cleanupCtx, ps, cfg.AuditRetention)
	} else {
		slog.Info("DATABASE_URL not set, login audit log disabled")
	}

	svc := login.NewService(registry, backend.NewClient(cfg.BackendURL, cfg.BackendTimeout), slog.Default()).
		WithObserver(&auth.AuditObserver{Log: audit})

	h := auth.AuthHandler{
		Login:    svc,
		Attempts: attempts,
		RL:       rl,
		Audit:    audit,
		RS:       attempts,
		StartPolicy: store.RateLimit{
			MaxAttempts: cfg.RateLoginStartMax,
			Window:      cfg.RateLoginStartWindow,
		},
		ScopeTTL:     cfg.ScopeCookieTTL,
		CookieSecure: cfg.CookieSecure,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(&h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("obol listening", "addr", ln.Addr().String(), "providers", registry.Names())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns, then waits for in-flight callbacks to finish.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRegistry resolves issuer-configured providers via OIDC discovery, then
// validates every provider. Any failure aborts start-up.
func buildRegistry(ctx context.Context, providers []oauth.ProviderConfig) (*oauth.Registry, error) {
	resolved := make([]oauth.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		d, err := oauth.Discover(dctx, p)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("discovering %s: %w", p.Name, err)
		}
		resolved = append(resolved, d)
	}
	registry, err := oauth.NewRegistry(resolved...)
	if err != nil {
		return nil, fmt.Errorf("building provider registry: %w", err)
	}
	return registry, nil
}

// cleanupLoginEvents deletes audit rows older than retention once a day until ctx is done.
func cleanupLoginEvents(ctx context.Context, ps *store.PostgresStore, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := ps.CleanupLoginEvents(ctx, retention)
			if err != nil {
				slog.Warn("login event cleanup failed", "error", err)
			} else {
				slog.Info("login event cleanup complete", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)

	r.Route("/login/{provider}", func(r chi.Router) {
		r.With(h.EnsureScope).Get("/", h.LoginStart)
		r.Delete("/", h.LoginAbandon)
		r.Get("/callback", h.LoginCallback)
	})

	return r
}

// handler.go -- HTTP handlers for the /login/* endpoints.
package auth

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/MGallo-Code/obol/internal/login"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
	"github.com/go-chi/chi/v5"
)

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow records the attempt. Returns nil if allowed, store.ErrRateLimitExceeded if over policy.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// AuditLog records login lifecycle events (see AuditObserver) and reports its health.
// Satisfied by *store.PostgresStore and store.NopAuditLog.
type AuditLog interface {
	RecordLoginEvent(ctx context.Context, e store.LoginEvent) error
	CheckHealth(ctx context.Context) error
}

// HealthChecker is a dependency that can be pinged. Satisfied by *store.RedisAttempts.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Defaults applied when the matching AuthHandler field is zero.
const (
	DefaultScopeTTL = 10 * time.Minute
	scopeCookieName = "__Host-login-scope"
	// Without Secure the browser rejects the __Host- prefix, so local HTTP gets a plain name.
	insecureScopeCookieName = "login-scope"
)

// LoginStartPolicy is the default per-IP limit on GET /login/{provider}.
var LoginStartPolicy = store.RateLimit{MaxAttempts: 20, Window: time.Minute}

// AuthHandler holds dependencies for all /login/* HTTP handlers.
type AuthHandler struct {
	Login    *login.Service
	Attempts login.ScopedStore // namespaced per flow scope cookie
	RL       RateLimiter
	Audit    AuditLog      // health only; rows come from the service's AuditObserver
	RS       HealthChecker // attempt store health, nil skips the check

	StartPolicy  store.RateLimit // zero value uses LoginStartPolicy
	ScopeTTL     time.Duration   // scope cookie lifetime, zero uses DefaultScopeTTL
	CookieSecure bool
}

// providerParam resolves the {provider} URL param against the registry.
// Writes 404 and returns false for providers that are not configured.
func (h *AuthHandler) providerParam(w http.ResponseWriter, r *http.Request) (oauth.ProviderName, bool) {
	name := oauth.ProviderName(chi.URLParam(r, "provider"))
	if _, err := h.Login.Providers().Lookup(name); err != nil {
		logDebug(r, "unknown oauth provider", "provider", name)
		NotFound(w, "unknown provider")
		return "", false
	}
	return name, true
}

func (h *AuthHandler) startPolicy() store.RateLimit {
	if h.StartPolicy.MaxAttempts > 0 {
		return h.StartPolicy
	}
	return LoginStartPolicy
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware has already
// replaced RemoteAddr with the forwarded address when one is present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

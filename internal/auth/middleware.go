// middleware.go

// Flow scope cookie management.
//
// A flow scope stands in for one browser tab's private storage: its id namespaces
// the attempt store, so parallel logins from different browsers never collide.
package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const scopeKey contextKey = "login_scope"

// ScopeFromContext returns the flow scope id set by EnsureScope.
func ScopeFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(scopeKey).(string)
	return id, ok && id != ""
}

// EnsureScope reuses the caller's flow scope cookie or issues a new one, refreshes its
// lifetime, and stores the id in the request context.
func (h *AuthHandler) EnsureScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := h.readScopeCookie(r)
		if !ok {
			id, err := uuid.NewV7()
			if err != nil {
				InternalServerError(w, r, err)
				return
			}
			scope = id.String()
		}
		h.setScopeCookie(w, scope)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey, scope)))
	})
}

// readScopeCookie returns the scope id from the request cookie.
// Values that are not UUIDs are ignored so arbitrary input never reaches store keys.
func (h *AuthHandler) readScopeCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(h.scopeCookieName())
	if err != nil {
		return "", false
	}
	id, err := uuid.FromString(c.Value)
	if err != nil || id.IsNil() {
		return "", false
	}
	return id.String(), true
}

// setScopeCookie writes the scope cookie with HttpOnly, SameSite=Lax.
// Lax keeps it on the provider's top-level redirect back to the callback.
func (h *AuthHandler) setScopeCookie(w http.ResponseWriter, scope string) {
	ttl := h.ScopeTTL
	if ttl <= 0 {
		ttl = DefaultScopeTTL
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.scopeCookieName(),
		Value:    scope,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl / time.Second),
	})
}

func (h *AuthHandler) scopeCookieName() string {
	if h.CookieSecure {
		return scopeCookieName
	}
	return insecureScopeCookieName
}

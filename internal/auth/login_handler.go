// login_handler.go -- Authorization-code + PKCE login start, callback and abandon handlers.
package auth

import (
	"errors"
	"net/http"

	"github.com/MGallo-Code/obol/internal/login"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
)

// LoginStart handles GET /login/{provider} -- records a fresh PKCE attempt in the
// caller's flow scope and redirects the browser to the provider's consent page.
// Runs behind EnsureScope. Returns 302, 404 for unknown providers, 429 when rate limited.
func (h *AuthHandler) LoginStart(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providerParam(w, r)
	if !ok {
		return
	}

	if err := h.RL.Allow(r.Context(), "login:start:"+clientIP(r), h.startPolicy()); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			logInfo(r, "login start rate limited", "provider", provider)
			TooManyRequests(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	scope, ok := ScopeFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("login start: no flow scope in context"))
		return
	}

	authURL, err := h.Login.Start(withRequestInfo(r, scope), h.Attempts.Scope(scope), provider)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// LoginCallback handles GET /login/{provider}/callback -- validates state against the
// live attempt, exchanges the code through the backend and returns the Session as JSON.
// Returns 200, 400 for provider errors or a missing code, 401 for invalid state,
// 404 for unknown providers, 502 when the token exchange fails.
func (h *AuthHandler) LoginCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providerParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scope, hasScope := h.readScopeCookie(r)
	ctx := withRequestInfo(r, scope)

	// No scope cookie means no attempt store; Complete fails that as a missing attempt.
	var attempts login.AttemptStore
	if hasScope {
		attempts = h.Attempts.Scope(scope)
	}

	if providerErr := q.Get("error"); providerErr != "" {
		logInfo(r, "provider returned error on callback", "provider", provider, "error", providerErr)
		if attempts != nil {
			if err := h.Login.Cancel(ctx, attempts, provider, q.Get("state"), providerErr); err != nil {
				logWarn(r, "cancelling login attempt failed", "error", err, "provider", provider)
			}
		}
		BadRequest(w, r, providerErr)
		return
	}

	code := q.Get("code")
	if code == "" {
		logWarn(r, "oauth callback: missing code", "provider", provider)
		BadRequest(w, r, "missing authorization code")
		return
	}
	if !hasScope {
		logWarn(r, "oauth callback: missing scope cookie", "provider", provider)
	}

	sess, err := h.Login.Complete(ctx, attempts, provider, code, q.Get("state"))
	if err != nil {
		writeCallbackError(w, r, err)
		return
	}

	logInfo(r, "login complete", "provider", provider)
	JSON(w, http.StatusOK, sess)
}

// LoginAbandon handles DELETE /login/{provider} -- drops the pending attempt for provider
// in the caller's flow scope. Returns 204, also when nothing was pending.
func (h *AuthHandler) LoginAbandon(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providerParam(w, r)
	if !ok {
		return
	}
	scope, hasScope := h.readScopeCookie(r)
	if hasScope {
		if err := h.Login.Abandon(withRequestInfo(r, scope), h.Attempts.Scope(scope), provider); err != nil {
			InternalServerError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeCallbackError maps a Complete error onto the response contract.
func writeCallbackError(w http.ResponseWriter, r *http.Request, err error) {
	var exErr *login.TokenExchangeError
	switch {
	case errors.Is(err, login.ErrInvalidState), errors.As(err, &exErr):
		LoginFailed(w, err)
	case errors.Is(err, oauth.ErrUnknownProvider):
		NotFound(w, "unknown provider")
	default:
		InternalServerError(w, r, err)
	}
}

// audit.go -- Login audit trail fed by login.Service phase transitions.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MGallo-Code/obol/internal/login"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
)

const requestInfoKey contextKey = "audit_request"

// requestInfo carries the HTTP facts an audit row needs through login.Service.
type requestInfo struct {
	scope     string
	ip        string
	userAgent string
}

// withRequestInfo returns r's context tagged with the caller's scope, IP and user agent.
func withRequestInfo(r *http.Request, scope string) context.Context {
	return context.WithValue(r.Context(), requestInfoKey, requestInfo{
		scope:     scope,
		ip:        clientIP(r),
		userAgent: r.UserAgent(),
	})
}

// AuditObserver implements login.Observer by writing pending, complete and failed
// transitions to an AuditLog. Intermediate phases are not recorded.
// Write failures are logged and never affect the login.
type AuditObserver struct {
	Log AuditLog
}

func (o *AuditObserver) Transition(ctx context.Context, provider oauth.ProviderName, phase login.Phase, err error) {
	switch phase {
	case login.PhasePendingCallback, login.PhaseComplete, login.PhaseFailed:
	default:
		return
	}

	e := store.LoginEvent{Provider: string(provider), Phase: string(phase)}
	if info, ok := ctx.Value(requestInfoKey).(requestInfo); ok {
		e.Scope = info.scope
		e.IPAddress = &info.ip
		e.UserAgent = &info.userAgent
	}
	if err != nil {
		c := login.Category(err)
		e.Category = &c
		if d := failureDetail(err); d != "" {
			e.Detail = &d
		}
	}

	if werr := o.Log.RecordLoginEvent(ctx, e); werr != nil && !errors.Is(werr, store.ErrAuditDisabled) {
		slog.WarnContext(ctx, "recording login event failed", "error", werr, "provider", provider, "phase", phase)
	}
}

// failureDetail is the external reason worth keeping: the backend's message or the provider's error code.
func failureDetail(err error) string {
	var exErr *login.TokenExchangeError
	var provErr *login.ProviderError
	switch {
	case errors.As(err, &exErr):
		return exErr.Message
	case errors.As(err, &provErr):
		return provErr.Code
	default:
		return ""
	}
}

// models.go -- Shared types and errors for the store package.
// Used by Postgres (login audit log) and Redis (attempt store, rate limiter).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrRateLimitExceeded is returned by Allow when the key is over its policy.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrAuditDisabled is returned by NopAuditLog.CheckHealth when no database is configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrAuditDisabled = errors.New("audit log disabled")

// RateLimit defines a fixed-window policy. Zero MaxAttempts disables limiting.
type RateLimit struct {
	MaxAttempts int           // attempts allowed per Window
	Window      time.Duration // window length, starts at the first attempt
}

// LoginEvent is a row in the login_events table.
// Category and Detail are nil for non-failure phases; IPAddress and UserAgent are nil
// when the event was not triggered over HTTP.
type LoginEvent struct {
	ID        uuid.UUID
	Provider  string
	Scope     string
	Phase     string
	Category  *string
	Detail    *string
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

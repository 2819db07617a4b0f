// errors.go -- Login failure taxonomy and its user-facing mapping.
package login

import (
	"errors"
	"fmt"

	"github.com/MGallo-Code/obol/internal/oauth"
)

// ErrInvalidState covers every callback that does not match a live attempt:
// CSRF, a replayed or duplicate callback, or an attempt overwritten by a newer login.
// Recovered by re-prompting login; retrying the same code/state never succeeds.
var ErrInvalidState = errors.New("invalid oauth state")

// ErrAttemptNotFound means no live attempt exists for the provider in this scope.
var ErrAttemptNotFound = fmt.Errorf("%w: no pending login attempt", ErrInvalidState)

// ErrStateMismatch means the callback state differs from the live attempt's state.
var ErrStateMismatch = fmt.Errorf("%w: state mismatch", ErrInvalidState)

// ErrAbandoned is reported to the Observer when a pending attempt is dropped on request.
var ErrAbandoned = errors.New("login abandoned")

// ProviderError means the provider answered the callback with an error parameter
// (e.g. access_denied) instead of a code.
type ProviderError struct {
	Code string
}

func (e *ProviderError) Error() string { return "provider returned error: " + e.Code }

// TokenExchangeError means the backend did not turn the code into a usable token set.
// Message is the backend detail when it supplied one, otherwise a generic message.
// Codes are single-use, so this is never retried automatically.
type TokenExchangeError struct {
	Message string
	Err     error
}

func (e *TokenExchangeError) Error() string { return e.Message }

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// Failure categories returned by Category.
const (
	CategoryInvalidState        = "invalid_state"
	CategoryTokenExchangeFailed = "token_exchange_failed"
	CategoryProviderError       = "provider_error"
	CategoryAbandoned           = "abandoned"
	CategoryUnknownProvider     = "unknown_provider"
	CategoryInternal            = "internal"
)

// Category classifies a Start/Complete error for callers and audit records.
func Category(err error) string {
	var exErr *TokenExchangeError
	var provErr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return CategoryInvalidState
	case errors.As(err, &exErr):
		return CategoryTokenExchangeFailed
	case errors.As(err, &provErr):
		return CategoryProviderError
	case errors.Is(err, ErrAbandoned):
		return CategoryAbandoned
	case errors.Is(err, oauth.ErrUnknownProvider):
		return CategoryUnknownProvider
	default:
		return CategoryInternal
	}
}

// UserMessage returns the one human-readable line shown for a failed login.
// Presentation stays with the caller; this only picks the wording per category.
func UserMessage(err error) string {
	switch Category(err) {
	case "":
		return ""
	case CategoryInvalidState:
		return "your session expired, please try again"
	case CategoryTokenExchangeFailed:
		return "sign-in failed, try again later"
	case CategoryProviderError, CategoryAbandoned:
		return "sign-in was cancelled"
	default:
		return "something went wrong, please try again"
	}
}

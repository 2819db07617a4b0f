// attempt.go -- Ephemeral per-attempt PKCE secrets and the store they live in.
package login

import (
	"context"

	"github.com/MGallo-Code/obol/internal/oauth"
)

// Attempt is the secret pair for one in-flight login. Never holds client secrets.
type Attempt struct {
	CodeVerifier string
	State        string
}

// AttemptStore is scoped storage (one browser tab / flow scope) for live attempts,
// keyed by provider. Implementations must be safe for concurrent use.
type AttemptStore interface {
	// Save stores a, replacing any live attempt for provider (last write wins).
	// Verifier and state are replaced together; readers never see a mixed pair.
	Save(ctx context.Context, provider oauth.ProviderName, a Attempt) error

	// Consume returns and deletes the live attempt if its state equals state.
	// Returns ErrAttemptNotFound if none exists, ErrStateMismatch (attempt left intact) otherwise.
	Consume(ctx context.Context, provider oauth.ProviderName, state string) (Attempt, error)

	// Discard drops any live attempt for provider. No-op when none exists.
	Discard(ctx context.Context, provider oauth.ProviderName) error
}

// ScopedStore hands out the AttemptStore for one flow scope.
type ScopedStore interface {
	Scope(id string) AttemptStore
}

// VerifierKey names the stored code verifier for a provider.
func VerifierKey(p oauth.ProviderName) string { return "pkce_" + string(p) }

// StateKey names the stored state token for a provider.
func StateKey(p oauth.ProviderName) string { return "state_" + string(p) }

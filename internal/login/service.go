// service.go -- Login initiation and callback completion.
//
// Start and Complete are two separate invocations connected only through the
// AttemptStore: nothing is held in memory between the redirect and the callback.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/obol/internal/backend"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/pkce"
)

// Backend is the confidential token-exchange service.
// Satisfied by *backend.Client -- defined here (at consumer) per Go convention.
type Backend interface {
	// ExchangeCode trades code + verifier for tokens. Non-2xx is *backend.ExchangeError.
	ExchangeCode(ctx context.Context, provider string, in backend.ExchangeRequest) (*backend.TokenResponse, error)

	// FetchProfile returns profile and role for an access token.
	FetchProfile(ctx context.Context, accessToken string) (*backend.Profile, error)
}

// Phase is a step of the per-provider, per-scope login state machine:
// Idle -> PendingCallback -> Validated -> Exchanging -> Complete | Failed.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhasePendingCallback Phase = "pending_callback"
	PhaseValidated       Phase = "validated"
	PhaseExchanging      Phase = "exchanging"
	PhaseComplete        Phase = "complete"
	PhaseFailed          Phase = "failed"
)

// Observer receives every phase transition of a login attempt, synchronously and in order.
// err is non-nil only for PhaseFailed. ctx is the caller's context, so request-scoped
// values set by the caller are visible to the observer.
type Observer interface {
	Transition(ctx context.Context, provider oauth.ProviderName, phase Phase, err error)
}

// Service runs the Authorization Code + PKCE flow against a fixed provider registry.
// Safe for concurrent use; all per-attempt state lives in the AttemptStore passed per call.
type Service struct {
	providers *oauth.Registry
	backend   Backend
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
}

// NewService wires a Service. A nil logger uses slog.Default().
func NewService(providers *oauth.Registry, be Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{providers: providers, backend: be, logger: logger, now: time.Now}
}

// WithObserver sets the transition observer and returns s. Call before serving requests.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// transition logs the phase change and reports it to the observer, if any.
func (s *Service) transition(ctx context.Context, provider oauth.ProviderName, phase Phase, err error) {
	if err != nil {
		s.logger.Warn("oauth login phase", "provider", provider, "phase", phase, "reason", err)
	} else {
		s.logger.Debug("oauth login phase", "provider", provider, "phase", phase)
	}
	if s.observer != nil {
		s.observer.Transition(ctx, provider, phase, err)
	}
}

// Providers exposes the registry the service was built with.
func (s *Service) Providers() *oauth.Registry { return s.providers }

// Start creates a fresh attempt for provider, persists it, and returns the
// authorization URL the user agent must navigate to. Any previous live attempt for
// the same provider in attempts is overwritten; its callback will fail closed.
func (s *Service) Start(ctx context.Context, attempts AttemptStore, provider oauth.ProviderName) (string, error) {
	cfg, err := s.providers.Lookup(provider)
	if err != nil {
		return "", err
	}

	verifier, err := pkce.GenerateRandomString(pkce.VerifierLength)
	if err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	state, err := pkce.GenerateRandomString(pkce.StateLength)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	// Must be persisted before the user agent leaves.
	if err := attempts.Save(ctx, provider, Attempt{CodeVerifier: verifier, State: state}); err != nil {
		return "", fmt.Errorf("saving login attempt: %w", err)
	}

	s.transition(ctx, provider, PhasePendingCallback, nil)
	return cfg.AuthCodeURL(state, pkce.GenerateCodeChallenge(verifier)), nil
}

// Complete validates a provider callback against the live attempt, exchanges the code
// through the backend and assembles the Session.
//
// A nil attempts means the caller has no attempt store at all (e.g. no scope cookie)
// and fails like a missing attempt.
//
// Errors: ErrInvalidState (checked before any network call), *TokenExchangeError,
// oauth.ErrUnknownProvider, or a wrapped store error.
func (s *Service) Complete(ctx context.Context, attempts AttemptStore, provider oauth.ProviderName, code, state string) (*Session, error) {
	cfg, err := s.providers.Lookup(provider)
	if err != nil {
		return nil, err
	}

	if attempts == nil {
		s.transition(ctx, provider, PhaseFailed, ErrAttemptNotFound)
		return nil, ErrAttemptNotFound
	}
	attempt, err := attempts.Consume(ctx, provider, state)
	if err != nil {
		if !errors.Is(err, ErrInvalidState) {
			err = fmt.Errorf("loading login attempt: %w", err)
		}
		s.transition(ctx, provider, PhaseFailed, err)
		return nil, err
	}
	s.transition(ctx, provider, PhaseValidated, nil)

	s.transition(ctx, provider, PhaseExchanging, nil)
	tokens, err := s.backend.ExchangeCode(ctx, string(provider), backend.ExchangeRequest{
		Code:         code,
		RedirectURI:  cfg.RedirectURI,
		CodeVerifier: attempt.CodeVerifier,
	})
	if err != nil {
		exErr := &TokenExchangeError{Message: backend.GenericExchangeMessage, Err: err}
		var beErr *backend.ExchangeError
		if errors.As(err, &beErr) {
			exErr.Message = beErr.Message
		}
		s.logger.Warn("oauth token exchange failed", "provider", provider, "error", err)
		s.transition(ctx, provider, PhaseFailed, exErr)
		return nil, exErr
	}

	sess := &Session{
		Provider:     provider,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		UserInfo: &UserInfo{
			Sub:     tokens.UserInfo.Sub,
			Email:   tokens.UserInfo.Email,
			Name:    tokens.UserInfo.Name,
			Picture: tokens.UserInfo.Picture,
		},
	}
	if tokens.ExpiresIn > 0 {
		exp := s.now().Unix() + tokens.ExpiresIn
		sess.ExpiresAt = &exp
	}

	if profile, ok := s.fetchProfile(ctx, provider, tokens.AccessToken); ok {
		sess.Role = profile.Role
	}

	s.logger.Info("oauth login complete", "provider", provider, "has_role", sess.Role != "")
	s.transition(ctx, provider, PhaseComplete, nil)
	return sess, nil
}

// fetchProfile is best-effort: the access token is already usable, so a
// failed role lookup degrades to "no profile" instead of failing the login.
// The error is logged and dropped here and nowhere else.
func (s *Service) fetchProfile(ctx context.Context, provider oauth.ProviderName, accessToken string) (*backend.Profile, bool) {
	profile, err := s.backend.FetchProfile(ctx, accessToken)
	if err != nil {
		s.logger.Warn("profile lookup failed, continuing without role", "provider", provider, "error", err)
		return nil, false
	}
	return profile, true
}

// Cancel handles a callback where the provider reported errorCode instead of a code.
// The live attempt is dropped, and reported as failed with a *ProviderError, only when
// state matches it; a stale error callback leaves a newer attempt untouched.
// Mismatches are not errors here.
func (s *Service) Cancel(ctx context.Context, attempts AttemptStore, provider oauth.ProviderName, state, errorCode string) error {
	if _, err := s.providers.Lookup(provider); err != nil {
		return err
	}
	if _, err := attempts.Consume(ctx, provider, state); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("cancelling login attempt: %w", err)
	}
	s.transition(ctx, provider, PhaseFailed, &ProviderError{Code: errorCode})
	return nil
}

// Abandon drops any live attempt for provider in attempts, whatever its state.
// Its callback, if it ever arrives, fails with ErrInvalidState.
func (s *Service) Abandon(ctx context.Context, attempts AttemptStore, provider oauth.ProviderName) error {
	if _, err := s.providers.Lookup(provider); err != nil {
		return err
	}
	if err := attempts.Discard(ctx, provider); err != nil {
		return fmt.Errorf("abandoning login attempt: %w", err)
	}
	s.transition(ctx, provider, PhaseFailed, ErrAbandoned)
	return nil
}

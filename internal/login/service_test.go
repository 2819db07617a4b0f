// service_test.go -- unit tests for Service.Start, Complete, Cancel and Abandon.
package login

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/obol/internal/backend"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/pkce"
)

// --- Shared helpers ---

// fakeBackend implements Backend and records what the service sent.
type fakeBackend struct {
	mu            sync.Mutex
	exchangeCalls int
	profileCalls  int
	lastExchange  backend.ExchangeRequest
	lastProvider  string
	lastToken     string

	tokens      *backend.TokenResponse
	exchangeErr error
	profile     *backend.Profile
	profileErr  error
}

func (f *fakeBackend) ExchangeCode(_ context.Context, provider string, in backend.ExchangeRequest) (*backend.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	f.lastProvider = provider
	f.lastExchange = in
	return f.tokens, f.exchangeErr
}

func (f *fakeBackend) FetchProfile(_ context.Context, accessToken string) (*backend.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	f.lastToken = accessToken
	return f.profile, f.profileErr
}

func testRegistry(t *testing.T) *oauth.Registry {
	t.Helper()
	reg, err := oauth.NewRegistry(
		oauth.ProviderConfig{
			Name:         oauth.Google,
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			ClientID:     "google-client",
			RedirectURI:  "https://app.example.com/login/google/callback",
			Scope:        "openid profile email",
		},
		oauth.ProviderConfig{
			Name:         oauth.Authentik,
			AuthorizeURL: "https://sso.example.com/application/o/authorize/",
			ClientID:     "authentik-client",
			RedirectURI:  "https://app.example.com/login/authentik/callback",
			Scope:        "openid profile email",
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, be Backend) *Service {
	t.Helper()
	return NewService(testRegistry(t), be, quietLogger())
}

// mustStart runs Start and returns the parsed authorization query.
func mustStart(t *testing.T, svc *Service, attempts AttemptStore, p oauth.ProviderName) url.Values {
	t.Helper()
	raw, err := svc.Start(context.Background(), attempts, p)
	if err != nil {
		t.Fatalf("Start(%s) failed: %v", p, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing authorization url: %v", err)
	}
	return u.Query()
}

func okTokens() *backend.TokenResponse {
	return &backend.TokenResponse{
		AccessToken: "tok1",
		UserInfo:    backend.UserInfo{Sub: "u1", Email: "e@x.com"},
	}
}

// --- Start ---

func TestStart(t *testing.T) {
	t.Run("stores attempt and builds PKCE authorization url", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com"}}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")

		q := mustStart(t, svc, attempts, oauth.Google)
		state := q.Get("state")
		if len(state) != pkce.StateLength {
			t.Errorf("state length: expected %d, got %d", pkce.StateLength, len(state))
		}
		if q.Get("code_challenge_method") != "S256" {
			t.Errorf("code_challenge_method: expected S256, got %q", q.Get("code_challenge_method"))
		}

		// The verifier that reaches the backend must hash to the challenge that was sent.
		if _, err := svc.Complete(context.Background(), attempts, oauth.Google, "code", state); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if len(be.lastExchange.CodeVerifier) != pkce.VerifierLength {
			t.Errorf("verifier length: expected %d, got %d", pkce.VerifierLength, len(be.lastExchange.CodeVerifier))
		}
		if got := pkce.GenerateCodeChallenge(be.lastExchange.CodeVerifier); got != q.Get("code_challenge") {
			t.Errorf("challenge mismatch: url has %q, verifier hashes to %q", q.Get("code_challenge"), got)
		}
	})

	t.Run("google url has offline access, authentik does not", func(t *testing.T) {
		svc := newTestService(t, &fakeBackend{})
		attempts := NewMemoryStore(0).Scope("tab")

		g := mustStart(t, svc, attempts, oauth.Google)
		if g.Get("access_type") != "offline" || g.Get("prompt") != "consent" {
			t.Errorf("google: expected access_type=offline&prompt=consent, got %v", g)
		}
		a := mustStart(t, svc, attempts, oauth.Authentik)
		if a.Has("access_type") || a.Has("prompt") {
			t.Errorf("authentik: unexpected google extensions in %v", a)
		}
	})

	t.Run("unknown provider is an error and stores nothing", func(t *testing.T) {
		svc := newTestService(t, &fakeBackend{})
		ms := NewMemoryStore(0)
		_, err := svc.Start(context.Background(), ms.Scope("tab"), "github")
		if !errors.Is(err, oauth.ErrUnknownProvider) {
			t.Errorf("expected ErrUnknownProvider, got %v", err)
		}
		if ms.Len() != 0 {
			t.Errorf("expected empty store, got %d values", ms.Len())
		}
	})
}

// --- Complete ---

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("no expires_in yields nil ExpiresAt and userinfo from exchange", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com", Role: "member"}}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		sess, err := svc.Complete(ctx, attempts, oauth.Google, "code1", state)
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if sess.AccessToken != "tok1" {
			t.Errorf("AccessToken: expected tok1, got %q", sess.AccessToken)
		}
		if sess.ExpiresAt != nil {
			t.Errorf("ExpiresAt: expected nil, got %d", *sess.ExpiresAt)
		}
		if sess.UserInfo == nil || sess.UserInfo.Sub != "u1" || sess.UserInfo.Email != "e@x.com" {
			t.Errorf("UserInfo: unexpected %+v", sess.UserInfo)
		}
		if sess.Role != "member" {
			t.Errorf("Role: expected member, got %q", sess.Role)
		}
		if sess.Provider != oauth.Google {
			t.Errorf("Provider: expected google, got %q", sess.Provider)
		}
		if be.lastExchange.Code != "code1" {
			t.Errorf("exchange code: expected code1, got %q", be.lastExchange.Code)
		}
		if be.lastExchange.RedirectURI != "https://app.example.com/login/google/callback" {
			t.Errorf("exchange redirect_uri: got %q", be.lastExchange.RedirectURI)
		}
		if be.lastToken != "tok1" {
			t.Errorf("profile lookup token: expected tok1, got %q", be.lastToken)
		}
	})

	t.Run("expires_in becomes absolute ExpiresAt computed once", func(t *testing.T) {
		tokens := okTokens()
		tokens.ExpiresIn = 3600
		tokens.RefreshToken = "ref1"
		tokens.IDToken = "id1"
		svc := newTestService(t, &fakeBackend{tokens: tokens, profile: &backend.Profile{Email: "e@x.com"}})
		fixed := time.Unix(1_700_000_000, 0)
		svc.now = func() time.Time { return fixed }
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Authentik).Get("state")

		sess, err := svc.Complete(ctx, attempts, oauth.Authentik, "code", state)
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if sess.ExpiresAt == nil || *sess.ExpiresAt != 1_700_003_600 {
			t.Errorf("ExpiresAt: expected 1700003600, got %v", sess.ExpiresAt)
		}
		if sess.RefreshToken != "ref1" || sess.IDToken != "id1" {
			t.Errorf("tokens: unexpected %+v", sess)
		}
	})

	t.Run("missing attempt is InvalidState with no network call", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens()}
		svc := newTestService(t, be)

		_, err := svc.Complete(ctx, NewMemoryStore(0).Scope("tab"), oauth.Google, "code", "whatever")
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if be.exchangeCalls != 0 || be.profileCalls != 0 {
			t.Errorf("expected no backend calls, got exchange=%d profile=%d", be.exchangeCalls, be.profileCalls)
		}
	})

	t.Run("state mismatch is InvalidState with no network call", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens()}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")
		mustStart(t, svc, attempts, oauth.Google)

		_, err := svc.Complete(ctx, attempts, oauth.Google, "code", "forged-state")
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if be.exchangeCalls != 0 {
			t.Errorf("expected no exchange call, got %d", be.exchangeCalls)
		}
	})

	t.Run("second start overwrites first; old state fails, new state succeeds", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com"}}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")

		oldState := mustStart(t, svc, attempts, oauth.Google).Get("state")
		newState := mustStart(t, svc, attempts, oauth.Google).Get("state")

		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", oldState); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("old state: expected ErrInvalidState, got %v", err)
		}
		// The stale callback must not have cancelled the newer attempt.
		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", newState); err != nil {
			t.Fatalf("new state: Complete failed: %v", err)
		}
	})

	t.Run("replayed callback fails after success", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com"}}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", state); err != nil {
			t.Fatalf("first Complete failed: %v", err)
		}
		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", state); !errors.Is(err, ErrInvalidState) {
			t.Errorf("replay: expected ErrInvalidState, got %v", err)
		}
		if be.exchangeCalls != 1 {
			t.Errorf("expected exactly one exchange call, got %d", be.exchangeCalls)
		}
	})

	t.Run("providers in one scope do not interfere", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com"}}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")

		gState := mustStart(t, svc, attempts, oauth.Google).Get("state")
		aState := mustStart(t, svc, attempts, oauth.Authentik).Get("state")

		if _, err := svc.Complete(ctx, attempts, oauth.Authentik, "code", aState); err != nil {
			t.Fatalf("authentik Complete failed: %v", err)
		}
		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", gState); err != nil {
			t.Fatalf("google Complete failed: %v", err)
		}
	})

	t.Run("backend rejection surfaces backend message", func(t *testing.T) {
		be := &fakeBackend{exchangeErr: &backend.ExchangeError{StatusCode: 400, Message: "invalid_grant"}}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		_, err := svc.Complete(ctx, attempts, oauth.Google, "code", state)
		var exErr *TokenExchangeError
		if !errors.As(err, &exErr) {
			t.Fatalf("expected *TokenExchangeError, got %v", err)
		}
		if exErr.Error() != "invalid_grant" {
			t.Errorf("message: expected %q, got %q", "invalid_grant", exErr.Error())
		}
		if be.profileCalls != 0 {
			t.Errorf("expected no profile call after failed exchange, got %d", be.profileCalls)
		}
	})

	t.Run("transport failure is TokenExchangeError with generic message", func(t *testing.T) {
		be := &fakeBackend{exchangeErr: errors.New("dial tcp: connection refused")}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		_, err := svc.Complete(ctx, attempts, oauth.Google, "code", state)
		var exErr *TokenExchangeError
		if !errors.As(err, &exErr) {
			t.Fatalf("expected *TokenExchangeError, got %v", err)
		}
		if exErr.Message != backend.GenericExchangeMessage {
			t.Errorf("message: expected %q, got %q", backend.GenericExchangeMessage, exErr.Message)
		}
	})

	t.Run("profile failure is absorbed: login succeeds without role", func(t *testing.T) {
		be := &fakeBackend{tokens: okTokens(), profileErr: &backend.ProfileError{StatusCode: 500}}
		svc := newTestService(t, be)
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		sess, err := svc.Complete(ctx, attempts, oauth.Google, "code", state)
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if sess.AccessToken != "tok1" {
			t.Errorf("AccessToken: expected tok1, got %q", sess.AccessToken)
		}
		if sess.Role != "" {
			t.Errorf("Role: expected empty, got %q", sess.Role)
		}
	})
}

// --- Complete against a real HTTP backend ---

// newHTTPBackend serves the two backend endpoints with the given status/body each.
func newHTTPBackend(t *testing.T, tokenStatus int, tokenBody string, meStatus int, meBody string) *backend.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login/{provider}/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		w.Write([]byte(tokenBody))
	})
	mux.HandleFunc("GET /api/login/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(meStatus)
		w.Write([]byte(meBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return backend.NewClient(srv.URL, 5*time.Second)
}

func TestCompleteHTTP(t *testing.T) {
	ctx := context.Background()

	t.Run("400 invalid_grant gives exact message", func(t *testing.T) {
		svc := newTestService(t, newHTTPBackend(t, http.StatusBadRequest, `{"detail":"invalid_grant"}`, http.StatusOK, `{}`))
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		_, err := svc.Complete(ctx, attempts, oauth.Google, "code", state)
		var exErr *TokenExchangeError
		if !errors.As(err, &exErr) {
			t.Fatalf("expected *TokenExchangeError, got %v", err)
		}
		if exErr.Error() != "invalid_grant" {
			t.Errorf("message: expected %q, got %q", "invalid_grant", exErr.Error())
		}
	})

	t.Run("profile 500 still yields session with token and no role", func(t *testing.T) {
		svc := newTestService(t, newHTTPBackend(t,
			http.StatusOK, `{"access_token":"tok1","userinfo":{"sub":"u1","email":"e@x.com"}}`,
			http.StatusInternalServerError, `{"detail":"db down"}`))
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		sess, err := svc.Complete(ctx, attempts, oauth.Google, "code", state)
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if sess.AccessToken != "tok1" || sess.Role != "" || sess.ExpiresAt != nil {
			t.Errorf("unexpected session: %+v", sess)
		}
		if sess.UserInfo.Sub != "u1" {
			t.Errorf("UserInfo.Sub: expected u1, got %q", sess.UserInfo.Sub)
		}
	})

	t.Run("malformed success body is TokenExchangeError", func(t *testing.T) {
		svc := newTestService(t, newHTTPBackend(t, http.StatusOK, `{"access_token":""}`, http.StatusOK, `{}`))
		attempts := NewMemoryStore(0).Scope("tab")
		state := mustStart(t, svc, attempts, oauth.Google).Get("state")

		_, err := svc.Complete(ctx, attempts, oauth.Google, "code", state)
		var exErr *TokenExchangeError
		if !errors.As(err, &exErr) {
			t.Fatalf("expected *TokenExchangeError, got %v", err)
		}
		if !errors.Is(err, backend.ErrMalformedResponse) {
			t.Errorf("expected wrapped ErrMalformedResponse, got %v", err)
		}
	})
}

// --- Concurrency ---

func TestConcurrentStartLastWriteWins(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com"}}
	svc := newTestService(t, be)
	attempts := NewMemoryStore(0).Scope("tab")

	const n = 16
	queries := make([]url.Values, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := svc.Start(ctx, attempts, oauth.Google)
			if err != nil {
				t.Errorf("Start failed: %v", err)
				return
			}
			u, _ := url.Parse(raw)
			queries[i] = u.Query()
		}(i)
	}
	wg.Wait()

	// Exactly one attempt survives, and its verifier matches its own challenge.
	winners := 0
	for _, q := range queries {
		if q == nil {
			continue
		}
		_, err := svc.Complete(ctx, attempts, oauth.Google, "code", q.Get("state"))
		if err == nil {
			winners++
			if pkce.GenerateCodeChallenge(be.lastExchange.CodeVerifier) != q.Get("code_challenge") {
				t.Error("surviving attempt has a verifier from a different start")
			}
			continue
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("losing attempt: expected ErrInvalidState, got %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winning attempt, got %d", winners)
	}
}

// --- Cancel / Abandon ---

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("matching state drops the attempt", func(t *testing.T) {
		svc := newTestService(t, &fakeBackend{tokens: okTokens()})
		attempts := NewMemoryStore(0).Scope("tab")
		q := mustStart(t, svc, attempts, oauth.Google)

		if err := svc.Cancel(ctx, attempts, oauth.Google, q.Get("state"), "access_denied"); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", q.Get("state")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState after cancel, got %v", err)
		}
	})

	t.Run("stale state leaves the live attempt", func(t *testing.T) {
		svc := newTestService(t, &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com"}})
		attempts := NewMemoryStore(0).Scope("tab")
		q := mustStart(t, svc, attempts, oauth.Google)

		if err := svc.Cancel(ctx, attempts, oauth.Google, "old-state", "access_denied"); err != nil {
			t.Fatalf("Cancel with stale state: expected nil, got %v", err)
		}
		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", q.Get("state")); err != nil {
			t.Errorf("live attempt should still complete, got %v", err)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		svc := newTestService(t, &fakeBackend{})
		err := svc.Cancel(ctx, NewMemoryStore(0).Scope("tab"), "github", "s", "access_denied")
		if !errors.Is(err, oauth.ErrUnknownProvider) {
			t.Errorf("expected ErrUnknownProvider, got %v", err)
		}
	})
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()

	t.Run("drops the live attempt", func(t *testing.T) {
		svc := newTestService(t, &fakeBackend{tokens: okTokens()})
		mem := NewMemoryStore(0)
		attempts := mem.Scope("tab")
		q := mustStart(t, svc, attempts, oauth.Google)

		if err := svc.Abandon(ctx, attempts, oauth.Google); err != nil {
			t.Fatalf("Abandon failed: %v", err)
		}
		if mem.Len() != 0 {
			t.Errorf("expected empty store, got %d entries", mem.Len())
		}
		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", q.Get("state")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState after abandon, got %v", err)
		}
	})

	t.Run("no live attempt is a no-op", func(t *testing.T) {
		svc := newTestService(t, &fakeBackend{})
		if err := svc.Abandon(ctx, NewMemoryStore(0).Scope("tab"), oauth.Authentik); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

// --- Observer ---

// transitionRecord is one call seen by recordingObserver.
type transitionRecord struct {
	provider oauth.ProviderName
	phase    Phase
	err      error
}

// recordingObserver keeps every transition in order.
type recordingObserver struct {
	mu  sync.Mutex
	got []transitionRecord
}

func (o *recordingObserver) Transition(_ context.Context, provider oauth.ProviderName, phase Phase, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, transitionRecord{provider, phase, err})
}

func (o *recordingObserver) phases() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Phase, len(o.got))
	for i, r := range o.got {
		out[i] = r.phase
	}
	return out
}

func (o *recordingObserver) last() transitionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.got[len(o.got)-1]
}

func assertPhases(t *testing.T, got []Phase, want ...Phase) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("phases: expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases: expected %v, got %v", want, got)
		}
	}
}

func TestObserverTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("successful login", func(t *testing.T) {
		obs := &recordingObserver{}
		svc := newTestService(t, &fakeBackend{tokens: okTokens(), profile: &backend.Profile{Email: "e@x.com"}}).WithObserver(obs)
		attempts := NewMemoryStore(0).Scope("tab")
		q := mustStart(t, svc, attempts, oauth.Google)

		if _, err := svc.Complete(ctx, attempts, oauth.Google, "code", q.Get("state")); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		assertPhases(t, obs.phases(), PhasePendingCallback, PhaseValidated, PhaseExchanging, PhaseComplete)
		for _, r := range obs.got {
			if r.provider != oauth.Google || r.err != nil {
				t.Errorf("unexpected transition %+v", r)
			}
		}
	})

	t.Run("state mismatch fails before validation", func(t *testing.T) {
		obs := &recordingObserver{}
		svc := newTestService(t, &fakeBackend{tokens: okTokens()}).WithObserver(obs)
		attempts := NewMemoryStore(0).Scope("tab")
		mustStart(t, svc, attempts, oauth.Google)

		svc.Complete(ctx, attempts, oauth.Google, "code", "forged-state")
		assertPhases(t, obs.phases(), PhasePendingCallback, PhaseFailed)
		if err := obs.last().err; !errors.Is(err, ErrStateMismatch) {
			t.Errorf("failed transition: expected ErrStateMismatch, got %v", err)
		}
	})

	t.Run("nil attempt store fails as missing attempt", func(t *testing.T) {
		obs := &recordingObserver{}
		svc := newTestService(t, &fakeBackend{tokens: okTokens()}).WithObserver(obs)

		_, err := svc.Complete(ctx, nil, oauth.Google, "code", "state")
		if !errors.Is(err, ErrAttemptNotFound) {
			t.Fatalf("expected ErrAttemptNotFound, got %v", err)
		}
		assertPhases(t, obs.phases(), PhaseFailed)
	})

	t.Run("exchange failure fails after exchanging", func(t *testing.T) {
		obs := &recordingObserver{}
		be := &fakeBackend{exchangeErr: &backend.ExchangeError{StatusCode: 400, Message: "invalid_grant"}}
		svc := newTestService(t, be).WithObserver(obs)
		attempts := NewMemoryStore(0).Scope("tab")
		q := mustStart(t, svc, attempts, oauth.Google)

		svc.Complete(ctx, attempts, oauth.Google, "code", q.Get("state"))
		assertPhases(t, obs.phases(), PhasePendingCallback, PhaseValidated, PhaseExchanging, PhaseFailed)
		var exErr *TokenExchangeError
		if !errors.As(obs.last().err, &exErr) || exErr.Message != "invalid_grant" {
			t.Errorf("failed transition: expected TokenExchangeError(invalid_grant), got %v", obs.last().err)
		}
	})

	t.Run("provider error on matching state", func(t *testing.T) {
		obs := &recordingObserver{}
		svc := newTestService(t, &fakeBackend{}).WithObserver(obs)
		attempts := NewMemoryStore(0).Scope("tab")
		q := mustStart(t, svc, attempts, oauth.Google)

		svc.Cancel(ctx, attempts, oauth.Google, q.Get("state"), "access_denied")
		assertPhases(t, obs.phases(), PhasePendingCallback, PhaseFailed)
		var provErr *ProviderError
		if !errors.As(obs.last().err, &provErr) || provErr.Code != "access_denied" {
			t.Errorf("failed transition: expected ProviderError(access_denied), got %v", obs.last().err)
		}
	})

	t.Run("provider error on stale state reports nothing", func(t *testing.T) {
		obs := &recordingObserver{}
		svc := newTestService(t, &fakeBackend{}).WithObserver(obs)
		attempts := NewMemoryStore(0).Scope("tab")
		mustStart(t, svc, attempts, oauth.Google)

		svc.Cancel(ctx, attempts, oauth.Google, "old-state", "access_denied")
		assertPhases(t, obs.phases(), PhasePendingCallback)
	})

	t.Run("abandon reports failed with ErrAbandoned", func(t *testing.T) {
		obs := &recordingObserver{}
		svc := newTestService(t, &fakeBackend{}).WithObserver(obs)
		attempts := NewMemoryStore(0).Scope("tab")
		mustStart(t, svc, attempts, oauth.Google)

		svc.Abandon(ctx, attempts, oauth.Google)
		assertPhases(t, obs.phases(), PhasePendingCallback, PhaseFailed)
		if !errors.Is(obs.last().err, ErrAbandoned) {
			t.Errorf("failed transition: expected ErrAbandoned, got %v", obs.last().err)
		}
	})

	t.Run("store failure on save reports nothing", func(t *testing.T) {
		obs := &recordingObserver{}
		svc := newTestService(t, &fakeBackend{}).WithObserver(obs)

		if _, err := svc.Start(ctx, failingSaveStore{}, oauth.Google); err == nil {
			t.Fatal("expected Start to fail")
		}
		assertPhases(t, obs.phases())
	})
}

// failingSaveStore rejects every Save.
type failingSaveStore struct{}

func (failingSaveStore) Save(context.Context, oauth.ProviderName, Attempt) error {
	return errors.New("redis down")
}

func (failingSaveStore) Consume(context.Context, oauth.ProviderName, string) (Attempt, error) {
	return Attempt{}, ErrAttemptNotFound
}

func (failingSaveStore) Discard(context.Context, oauth.ProviderName) error { return nil }

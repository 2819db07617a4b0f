// stores.go
//
// Shared mock implementations of the auth package's store dependencies.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"

	"github.com/MGallo-Code/obol/internal/login"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
)

// MockRateLimiter implements auth.RateLimiter for tests.
// Zero value allows everything. Set AllowErr to force a result (e.g. store.ErrRateLimitExceeded).
type MockRateLimiter struct {
	AllowErr error

	Keys []string // every key passed to Allow, in order

	mu sync.Mutex
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, _ store.RateLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Keys = append(m.Keys, key)
	return m.AllowErr
}

// MockAuditLog implements auth.AuditLog for tests, keeping recorded events in memory.
type MockAuditLog struct {
	RecordErr error
	HealthErr error

	Events []store.LoginEvent

	mu sync.Mutex
}

func (m *MockAuditLog) RecordLoginEvent(_ context.Context, e store.LoginEvent) error {
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, e)
	return nil
}

func (m *MockAuditLog) CheckHealth(context.Context) error { return m.HealthErr }

// Phases returns the phase of every recorded event, in order.
func (m *MockAuditLog) Phases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Events))
	for i, e := range m.Events {
		out[i] = e.Phase
	}
	return out
}

// Last returns the most recent event, or false if none were recorded.
func (m *MockAuditLog) Last() (store.LoginEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Events) == 0 {
		return store.LoginEvent{}, false
	}
	return m.Events[len(m.Events)-1], true
}

// MockHealth implements auth.HealthChecker.
type MockHealth struct {
	Err error
}

func (m *MockHealth) CheckHealth(context.Context) error { return m.Err }

// MockAttempts implements login.ScopedStore on top of login.MemoryStore.
// Use *Err fields to inject storage failures; zero value means no error.
type MockAttempts struct {
	SaveErr    error
	ConsumeErr error
	DiscardErr error

	Mem *login.MemoryStore

	mu     sync.Mutex
	scopes []string // every scope id requested, in order
}

// NewMockAttempts returns a MockAttempts backed by a fresh memory store without expiry.
func NewMockAttempts() *MockAttempts {
	return &MockAttempts{Mem: login.NewMemoryStore(0)}
}

func (m *MockAttempts) Scope(id string) login.AttemptStore {
	m.mu.Lock()
	m.scopes = append(m.scopes, id)
	m.mu.Unlock()
	return &mockScope{parent: m, inner: m.Mem.Scope(id)}
}

// Scopes returns every scope id requested so far.
func (m *MockAttempts) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.scopes...)
}

type mockScope struct {
	parent *MockAttempts
	inner  login.AttemptStore
}

func (s *mockScope) Save(ctx context.Context, p oauth.ProviderName, a login.Attempt) error {
	if s.parent.SaveErr != nil {
		return s.parent.SaveErr
	}
	return s.inner.Save(ctx, p, a)
}

func (s *mockScope) Consume(ctx context.Context, p oauth.ProviderName, state string) (login.Attempt, error) {
	if s.parent.ConsumeErr != nil {
		return login.Attempt{}, s.parent.ConsumeErr
	}
	return s.inner.Consume(ctx, p, state)
}

func (s *mockScope) Discard(ctx context.Context, p oauth.ProviderName) error {
	if s.parent.DiscardErr != nil {
		return s.parent.DiscardErr
	}
	return s.inner.Discard(ctx, p)
}

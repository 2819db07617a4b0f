// memory.go -- In-process AttemptStore for tests, CLIs and single-instance deployments.
package login

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/MGallo-Code/obol/internal/oauth"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// MemoryStore keeps attempts for every scope in one mutex-guarded map.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryStore returns an empty store. ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Scope returns the AttemptStore view for one flow scope.
func (s *MemoryStore) Scope(id string) AttemptStore {
	return &memoryScope{store: s, prefix: "login:" + id + ":"}
}

// Len reports how many values are stored, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// get returns a live value; expired values are dropped. Caller holds mu.
func (s *MemoryStore) get(key string) (string, bool) {
	e, ok := s.values[key]
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.values, key)
		return "", false
	}
	return e.value, true
}

type memoryScope struct {
	store  *MemoryStore
	prefix string
}

func (m *memoryScope) Save(_ context.Context, provider oauth.ProviderName, a Attempt) error {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if s.ttl > 0 {
		exp = s.now().Add(s.ttl)
	}
	s.values[m.prefix+VerifierKey(provider)] = memoryEntry{value: a.CodeVerifier, expiresAt: exp}
	s.values[m.prefix+StateKey(provider)] = memoryEntry{value: a.State, expiresAt: exp}
	return nil
}

func (m *memoryScope) Consume(_ context.Context, provider oauth.ProviderName, state string) (Attempt, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	vKey, sKey := m.prefix+VerifierKey(provider), m.prefix+StateKey(provider)
	verifier, okV := s.get(vKey)
	saved, okS := s.get(sKey)
	if !okV || !okS || verifier == "" {
		return Attempt{}, ErrAttemptNotFound
	}
	if subtle.ConstantTimeCompare([]byte(saved), []byte(state)) != 1 {
		return Attempt{}, ErrStateMismatch
	}
	delete(s.values, vKey)
	delete(s.values, sKey)
	return Attempt{CodeVerifier: verifier, State: saved}, nil
}

func (m *memoryScope) Discard(_ context.Context, provider oauth.ProviderName) error {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, m.prefix+VerifierKey(provider))
	delete(s.values, m.prefix+StateKey(provider))
	return nil
}

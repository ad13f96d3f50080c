package oauth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrVerifierNotFound is returned by Take when no live verifier exists for
// the state.
var ErrVerifierNotFound = errors.New("pkce verifier not found")

// VerifierStore keeps PKCE code verifiers between the authorization
// redirect and the callback, keyed by the state parameter. Take consumes
// the verifier so it is usable exactly once.
type VerifierStore interface {
	Put(ctx context.Context, state, verifier string, ttl time.Duration) error
	Take(ctx context.Context, state string) (string, error)
}

type verifierEntry struct {
	verifier  string
	expiresAt time.Time
}

// MemoryVerifierStore is an in-process VerifierStore. Expired entries are
// swept on every Put.
type MemoryVerifierStore struct {
	mu      sync.Mutex
	entries map[string]verifierEntry
	now     func() time.Time
}

// NewMemoryVerifierStore returns an empty store.
func NewMemoryVerifierStore() *MemoryVerifierStore {
	return &MemoryVerifierStore{entries: make(map[string]verifierEntry), now: time.Now}
}

func (s *MemoryVerifierStore) Put(_ context.Context, state, verifier string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = verifierEntry{verifier: verifier, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryVerifierStore) Take(_ context.Context, state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return "", ErrVerifierNotFound
	}
	delete(s.entries, state)
	if !s.now().Before(e.expiresAt) {
		return "", ErrVerifierNotFound
	}
	return e.verifier, nil
}

// Len returns the number of stored verifiers, expired ones included.
func (s *MemoryVerifierStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Package auth holds the server-side sessions issued after a federated
// login. The provider, token and identity machinery lives in subpackages.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"maps"
	"sync"
	"time"
)

// Session errors.
var (
	// ErrSessionNotFound indicates the session was not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidSession indicates the session is invalid.
	ErrInvalidSession = errors.New("invalid session")
)

// DefaultSessionDuration is the default session lifetime.
const DefaultSessionDuration = 24 * time.Hour

// SessionIDLength is the number of random bytes used for session IDs.
const SessionIDLength = 32

// Session binds a browser or API client to an account after login.
type Session struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"account_id"`
	ExternalID string            `json:"external_id,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsValid returns true if the session is valid (not expired and has required fields).
func (s *Session) IsValid() bool {
	return s.ID != "" && s.AccountID != "" && !s.IsExpired()
}

// TimeRemaining returns the duration until the session expires.
// Returns 0 if the session has already expired.
func (s *Session) TimeRemaining() time.Duration {
	remaining := time.Until(s.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionStore defines the interface for session persistence.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by its ID.
	// Returns nil, nil if not found and ErrSessionExpired once it lapsed.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session by its ID.
	Delete(ctx context.Context, id string) error

	// DeleteByAccountID removes all sessions of an account.
	DeleteByAccountID(ctx context.Context, accountID string) error

	// Cleanup removes all expired sessions.
	// Returns the number of sessions removed.
	Cleanup(ctx context.Context) (int, error)
}

// MemorySessionStore is an in-memory implementation of SessionStore.
// It is thread-safe and suitable for development and single-instance deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID

	// accountIndex maps account ID to session IDs for fast lookup
	accountIndex map[string]map[string]struct{}
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:     make(map[string]*Session),
		accountIndex: make(map[string]map[string]struct{}),
	}
}

// Create stores a new session.
func (s *MemorySessionStore) Create(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.AccountID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrInvalidSession
	}

	s.sessions[session.ID] = copySession(session)
	if s.accountIndex[session.AccountID] == nil {
		s.accountIndex[session.AccountID] = make(map[string]struct{})
	}
	s.accountIndex[session.AccountID][session.ID] = struct{}{}
	return nil
}

// Get retrieves a session by its ID.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	session, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return copySession(session), nil
}

// Delete removes a session by its ID.
func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	s.removeLocked(session)
	return nil
}

// DeleteByAccountID removes all sessions of an account.
func (s *MemorySessionStore) DeleteByAccountID(_ context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID := range s.accountIndex[accountID] {
		delete(s.sessions, sessionID)
	}
	delete(s.accountIndex, accountID)
	return nil
}

// Cleanup removes all expired sessions.
func (s *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for _, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			s.removeLocked(session)
			count++
		}
	}
	return count, nil
}

func (s *MemorySessionStore) removeLocked(session *Session) {
	if ids := s.accountIndex[session.AccountID]; ids != nil {
		delete(ids, session.ID)
		if len(ids) == 0 {
			delete(s.accountIndex, session.AccountID)
		}
	}
	delete(s.sessions, session.ID)
}

// Count returns the total number of sessions in the store.
func (s *MemorySessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CountByAccount returns the number of sessions of an account.
func (s *MemorySessionStore) CountByAccount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accountIndex[accountID])
}

func copySession(session *Session) *Session {
	if session == nil {
		return nil
	}
	cpy := *session
	cpy.Metadata = maps.Clone(session.Metadata)
	return &cpy
}

// generateSessionID returns SessionIDLength random bytes, hex encoded.
func generateSessionID() (string, error) {
	bytes := make([]byte, SessionIDLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// NewSession creates a session for accountID that was established through
// provider with the given external id. A non-positive duration means
// DefaultSessionDuration.
func NewSession(accountID, externalID, provider string, duration time.Duration, metadata map[string]string) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = DefaultSessionDuration
	}

	now := time.Now().UTC()
	return &Session{
		ID:         id,
		AccountID:  accountID,
		ExternalID: externalID,
		Provider:   provider,
		CreatedAt:  now,
		ExpiresAt:  now.Add(duration),
		Metadata:   maps.Clone(metadata),
	}, nil
}

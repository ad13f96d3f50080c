package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"oauthfed/internal/domain"
)

// MemoryAccountStore is an in-memory implementation of AccountStore.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account // keyed by ID
	extIndex map[string]string          // external id key -> account ID
	now      func() time.Time
}

// NewMemoryAccountStore creates a new in-memory account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		accounts: make(map[string]*domain.Account),
		extIndex: make(map[string]string),
		now:      time.Now,
	}
}

var _ AccountStore = (*MemoryAccountStore)(nil)

func (s *MemoryAccountStore) CreateAccount(_ context.Context, in domain.CreateAccount) (*domain.Account, error) {
	exts, err := AccountExternalIDs(in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range exts {
		if _, exists := s.extIndex[e.Key]; exists {
			return nil, ErrConflict
		}
	}

	now := s.now().UTC()
	acct := &domain.Account{
		ID:          uuid.NewString(),
		Username:    in.Username,
		DisplayName: in.DisplayName,
		CreatedAt:   now,
	}
	for _, e := range exts {
		e.AccountID = acct.ID
		e.CreatedAt = now
		acct.ExternalIDs = append(acct.ExternalIDs, e)
		s.extIndex[e.Key] = acct.ID
	}
	s.accounts[acct.ID] = acct
	return copyAccount(acct), nil
}

func (s *MemoryAccountStore) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, exists := s.accounts[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyAccount(acct), nil
}

func (s *MemoryAccountStore) LookupByUsername(ctx context.Context, username string) (*domain.Account, error) {
	if username == "" {
		return nil, ErrNotFound
	}
	return s.LookupByExternalID(ctx, domain.UsernameKey(username))
}

func (s *MemoryAccountStore) LookupByExternalID(_ context.Context, key string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.extIndex[key]
	if !exists {
		return nil, ErrNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

func (s *MemoryAccountStore) LinkExternalID(_ context.Context, accountID string, ext domain.ExternalID) error {
	if strings.TrimSpace(ext.Key) == "" {
		return ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[accountID]
	if !exists {
		return ErrNotFound
	}
	if owner, linked := s.extIndex[ext.Key]; linked {
		if owner != accountID {
			return ErrConflict
		}
		for i := range acct.ExternalIDs {
			if acct.ExternalIDs[i].Key == ext.Key {
				acct.ExternalIDs[i].Email = copyString(ext.Email)
			}
		}
		return nil
	}

	ext.AccountID = accountID
	ext.Email = copyString(ext.Email)
	ext.CreatedAt = s.now().UTC()
	acct.ExternalIDs = append(acct.ExternalIDs, ext)
	s.extIndex[ext.Key] = accountID
	return nil
}

func (s *MemoryAccountStore) ListAccounts(_ context.Context) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AccountExternalIDs validates in and returns the ids to store, username
// key first.
func AccountExternalIDs(in domain.CreateAccount) ([]domain.ExternalID, error) {
	var exts []domain.ExternalID
	if in.Username != "" {
		if strings.ContainsAny(in.Username, " \t\r\n") {
			return nil, ErrValidation
		}
		exts = append(exts, domain.ExternalID{Key: domain.UsernameKey(in.Username)})
	}
	seen := make(map[string]bool)
	for _, e := range exts {
		seen[e.Key] = true
	}
	for _, e := range in.ExternalIDs {
		if strings.TrimSpace(e.Key) == "" {
			return nil, ErrValidation
		}
		if seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		exts = append(exts, domain.ExternalID{Key: e.Key, Email: copyString(e.Email)})
	}
	if len(exts) == 0 {
		return nil, ErrValidation
	}
	return exts, nil
}

func copyAccount(a *domain.Account) *domain.Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ExternalIDs != nil {
		cp.ExternalIDs = make([]domain.ExternalID, len(a.ExternalIDs))
		for i, e := range a.ExternalIDs {
			e.Email = copyString(e.Email)
			cp.ExternalIDs[i] = e
		}
	}
	return &cp
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Close is a no-op; it lets the memory store satisfy Store.
func (s *MemoryAccountStore) Close() error { return nil }

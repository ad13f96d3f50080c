package storage

import (
	"context"
	"errors"
	"fmt"

	"oauthfed/internal/domain"
)

// AccountStore persists host accounts and the external ids linked to them.
// Lookups return ErrNotFound when nothing matches.
type AccountStore interface {
	// CreateAccount stores a new account. An account with a username also
	// gets the "username:<name>" external id. Duplicate usernames or
	// external ids fail with ErrConflict.
	CreateAccount(ctx context.Context, in domain.CreateAccount) (*domain.Account, error)

	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, id string) (*domain.Account, error)

	// LookupByUsername resolves a username to its account.
	LookupByUsername(ctx context.Context, username string) (*domain.Account, error)

	// LookupByExternalID resolves a "scheme:value" key to its account.
	LookupByExternalID(ctx context.Context, key string) (*domain.Account, error)

	// LinkExternalID attaches an external id to an existing account.
	// Linking a key that belongs to a different account fails with ErrConflict;
	// relinking to the same account updates the email.
	LinkExternalID(ctx context.Context, accountID string, ext domain.ExternalID) error

	// ListAccounts returns all accounts ordered by creation time.
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
}

// Provision maps an authenticated identity onto a host account. The
// external id is tried first, then the claimed identity (a username key
// or a legacy id), and a new account is created when neither matches.
// created reports whether a new account was made.
func Provision(ctx context.Context, store AccountStore, id *domain.ExternalIdentity) (acct *domain.Account, created bool, err error) {
	if id == nil || id.ExternalID == "" {
		return nil, false, fmt.Errorf("%w: external id required", ErrValidation)
	}

	acct, err = store.LookupByExternalID(ctx, id.ExternalID)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("lookup external id: %w", err)
	}

	ext := domain.ExternalID{Key: id.ExternalID, Email: id.Email}

	if id.ClaimedIdentity != nil {
		acct, err = store.LookupByExternalID(ctx, *id.ClaimedIdentity)
		switch {
		case err == nil:
			if err := store.LinkExternalID(ctx, acct.ID, ext); err != nil {
				return nil, false, fmt.Errorf("link external id: %w", err)
			}
			acct, err = store.GetAccount(ctx, acct.ID)
			if err != nil {
				return nil, false, err
			}
			return acct, false, nil
		case !errors.Is(err, ErrNotFound):
			return nil, false, fmt.Errorf("lookup claimed identity: %w", err)
		}
	}

	displayName := ""
	if id.DisplayName != nil {
		displayName = *id.DisplayName
	}
	acct, err = store.CreateAccount(ctx, domain.CreateAccount{
		Username:    id.UsernameValue(),
		DisplayName: displayName,
		ExternalIDs: []domain.ExternalID{ext},
	})
	if err != nil {
		return nil, false, fmt.Errorf("create account: %w", err)
	}
	return acct, true, nil
}

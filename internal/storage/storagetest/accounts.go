// Package storagetest holds behavior tests shared by every AccountStore
// backend.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"oauthfed/internal/domain"
	"oauthfed/internal/storage"
)

// RunAccountStoreTests exercises an AccountStore implementation. newStore
// must return an empty store for every call.
func RunAccountStoreTests(t *testing.T, newStore func(t *testing.T) storage.AccountStore) {
	t.Run("CreateAndLookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		email := "alice@x.com"

		acct, err := s.CreateAccount(ctx, domain.CreateAccount{
			Username:    "alice",
			DisplayName: "Alice",
			ExternalIDs: []domain.ExternalID{{Key: "acme-oauth:42", Email: &email}},
		})
		if err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if acct.ID == "" || acct.Username != "alice" || acct.DisplayName != "Alice" {
			t.Fatalf("unexpected account: %+v", acct)
		}
		if len(acct.ExternalIDs) != 2 {
			t.Fatalf("expected username and provider ids, got %+v", acct.ExternalIDs)
		}

		byName, err := s.LookupByUsername(ctx, "alice")
		if err != nil {
			t.Fatalf("LookupByUsername: %v", err)
		}
		if byName.ID != acct.ID {
			t.Errorf("LookupByUsername returned %s, want %s", byName.ID, acct.ID)
		}

		byExt, err := s.LookupByExternalID(ctx, "acme-oauth:42")
		if err != nil {
			t.Fatalf("LookupByExternalID: %v", err)
		}
		if byExt.ID != acct.ID {
			t.Errorf("LookupByExternalID returned %s, want %s", byExt.ID, acct.ID)
		}
		ids := byExt.ExternalIDsWithScheme("acme-oauth")
		if len(ids) != 1 || ids[0].Email == nil || *ids[0].Email != email {
			t.Errorf("expected linked email %q, got %+v", email, ids)
		}

		got, err := s.GetAccount(ctx, acct.ID)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if got.Username != "alice" {
			t.Errorf("GetAccount username = %q", got.Username)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.LookupByUsername(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("LookupByUsername: expected ErrNotFound, got %v", err)
		}
		if _, err := s.LookupByExternalID(ctx, "acme-oauth:1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("LookupByExternalID: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetAccount(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetAccount: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.CreateAccount(ctx, domain.CreateAccount{Username: "alice"})
		if err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if _, err := s.CreateAccount(ctx, domain.CreateAccount{Username: "alice"}); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("duplicate username: expected ErrConflict, got %v", err)
		}
		b, err := s.CreateAccount(ctx, domain.CreateAccount{Username: "bob"})
		if err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if err := s.LinkExternalID(ctx, a.ID, domain.ExternalID{Key: "acme-oauth:7"}); err != nil {
			t.Fatalf("LinkExternalID: %v", err)
		}
		if err := s.LinkExternalID(ctx, b.ID, domain.ExternalID{Key: "acme-oauth:7"}); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("link taken key: expected ErrConflict, got %v", err)
		}
		if err := s.LinkExternalID(ctx, "00000000-0000-0000-0000-000000000000", domain.ExternalID{Key: "acme-oauth:8"}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("link unknown account: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RelinkUpdatesEmail", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.CreateAccount(ctx, domain.CreateAccount{Username: "carol"})
		if err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		old, updated := "old@x.com", "new@x.com"
		if err := s.LinkExternalID(ctx, a.ID, domain.ExternalID{Key: "acme-oauth:9", Email: &old}); err != nil {
			t.Fatalf("LinkExternalID: %v", err)
		}
		if err := s.LinkExternalID(ctx, a.ID, domain.ExternalID{Key: "acme-oauth:9", Email: &updated}); err != nil {
			t.Fatalf("relink: %v", err)
		}
		got, err := s.LookupByExternalID(ctx, "acme-oauth:9")
		if err != nil {
			t.Fatalf("LookupByExternalID: %v", err)
		}
		ids := got.ExternalIDsWithScheme("acme-oauth")
		if len(ids) != 1 || ids[0].Email == nil || *ids[0].Email != updated {
			t.Errorf("expected email %q, got %+v", updated, ids)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.CreateAccount(ctx, domain.CreateAccount{}); !errors.Is(err, storage.ErrValidation) {
			t.Errorf("empty account: expected ErrValidation, got %v", err)
		}
		if _, err := s.CreateAccount(ctx, domain.CreateAccount{Username: "has space"}); !errors.Is(err, storage.ErrValidation) {
			t.Errorf("bad username: expected ErrValidation, got %v", err)
		}
	})

	t.Run("Provision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := &domain.ExternalIdentity{
			ExternalID: "acme-oauth:42",
			Username:   domain.StringPtr("alice"),
			Email:      domain.StringPtr("alice@x.com"),
		}
		first, created, err := storage.Provision(ctx, s, id)
		if err != nil {
			t.Fatalf("Provision: %v", err)
		}
		if !created {
			t.Error("expected a new account")
		}
		again, created, err := storage.Provision(ctx, s, id)
		if err != nil {
			t.Fatalf("Provision again: %v", err)
		}
		if created || again.ID != first.ID {
			t.Errorf("expected the existing account %s, got %s (created=%v)", first.ID, again.ID, created)
		}

		// A second provider claims the same username and is linked.
		other := &domain.ExternalIdentity{
			ExternalID:      "github-oauth:99",
			Username:        domain.StringPtr("alice"),
			ClaimedIdentity: domain.StringPtr(domain.UsernameKey("alice")),
		}
		linked, created, err := storage.Provision(ctx, s, other)
		if err != nil {
			t.Fatalf("Provision linked: %v", err)
		}
		if created || linked.ID != first.ID {
			t.Errorf("expected link to %s, got %s (created=%v)", first.ID, linked.ID, created)
		}
		if len(linked.ExternalIDsWithScheme("github-oauth")) != 1 {
			t.Errorf("expected github id linked, got %+v", linked.ExternalIDs)
		}

		// Without a claimed identity the username collides.
		if _, _, err := storage.Provision(ctx, s, &domain.ExternalIdentity{
			ExternalID: "gitlab-oauth:5",
			Username:   domain.StringPtr("alice"),
		}); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}

		if _, _, err := storage.Provision(ctx, s, &domain.ExternalIdentity{}); !errors.Is(err, storage.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, name := range []string{"a", "b", "c"} {
			if _, err := s.CreateAccount(ctx, domain.CreateAccount{Username: name}); err != nil {
				t.Fatalf("CreateAccount(%s): %v", name, err)
			}
		}
		list, err := s.ListAccounts(ctx)
		if err != nil {
			t.Fatalf("ListAccounts: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("expected 3 accounts, got %d", len(list))
		}
	})
}

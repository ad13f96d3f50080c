//go:build sqlite

package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"oauthfed/internal/domain"
	"oauthfed/internal/storage/sqlite"
)

func TestSQLiteSessionStore(t *testing.T) {
	store, err := sqlite.New("file:" + filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, domain.CreateAccount{Username: "alice"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	sessions := NewSQLiteSessionStoreFromDB(store.DB())
	s, err := NewSession(acct.ID, "acme-oauth:42", "acme", time.Hour, map[string]string{"route": "web"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sessions.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := sessions.Get(ctx, s.ID)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.AccountID != acct.ID || got.Provider != "acme" || got.Metadata["route"] != "web" {
		t.Errorf("unexpected session: %+v", got)
	}

	expired := &Session{ID: "old", AccountID: acct.ID, CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour)}
	if err := sessions.Create(ctx, expired); err != nil {
		t.Fatalf("Create expired: %v", err)
	}
	if _, err := sessions.Get(ctx, "old"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}
	n, err := sessions.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Errorf("Cleanup = %d, %v; want 1", n, err)
	}

	if err := sessions.DeleteByAccountID(ctx, acct.ID); err != nil {
		t.Fatalf("DeleteByAccountID: %v", err)
	}
	if err := sessions.Delete(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

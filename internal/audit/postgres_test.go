//go:build postgres

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	pgstore "oauthfed/internal/storage/postgres"
	"oauthfed/internal/storage/storagetest"
)

func TestPostgresAuditLogger(t *testing.T) {
	store, err := pgstore.New(storagetest.PostgresURL(t))
	if err != nil {
		t.Fatalf("postgres.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := NewPostgresAuditLoggerFromPool(store.Pool())
	ctx := context.Background()

	// A shared DATABASE_URL may hold other events; scope by provider.
	kc := "keycloak-" + uuid.NewString()[:8]
	gh := "github-" + uuid.NewString()[:8]

	base := time.Now().UTC().Add(-time.Minute)
	for i, e := range []*LoginEvent{
		{Provider: kc, Route: "token", Outcome: OutcomeSuccess, Username: "alice", ExternalID: "keycloak-oauth:alice"},
		{Provider: kc, Route: "password", Outcome: OutcomeFailure, Username: "bob", ErrorKind: "authentication", IPAddress: "10.0.0.1"},
		{Provider: gh, Route: "web", Outcome: OutcomeSuccess, Username: "carol"},
	} {
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := logger.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
		if e.ID == "" {
			t.Fatal("Log must assign an id")
		}
	}

	events, total, err := logger.List(ctx, ListOptions{Provider: kc})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(events) != 2 {
		t.Fatalf("expected 2 events, got total=%d len=%d", total, len(events))
	}
	if events[0].Username != "bob" {
		t.Errorf("expected newest first, got %q", events[0].Username)
	}

	failures, total, err := logger.List(ctx, ListOptions{Provider: kc, Outcome: OutcomeFailure})
	if err != nil {
		t.Fatalf("List failures: %v", err)
	}
	if total != 1 || failures[0].ErrorKind != "authentication" || failures[0].IPAddress != "10.0.0.1" {
		t.Errorf("unexpected failures: total=%d %+v", total, failures)
	}

	since := base.Add(1500 * time.Millisecond)
	recent, total, err := logger.List(ctx, ListOptions{Provider: gh, Since: &since})
	if err != nil {
		t.Fatalf("List since: %v", err)
	}
	if total != 1 || recent[0].Username != "carol" {
		t.Errorf("unexpected since window: total=%d %+v", total, recent)
	}

	page, total, err := logger.List(ctx, ListOptions{Provider: kc, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if total != 2 || len(page) != 1 || page[0].Username != "alice" {
		t.Errorf("unexpected page: total=%d %+v", total, page)
	}
}

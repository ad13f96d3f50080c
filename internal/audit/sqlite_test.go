//go:build sqlite

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"oauthfed/internal/storage/sqlite"
)

func TestSQLiteAuditLogger(t *testing.T) {
	store, err := sqlite.New("file:" + filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := NewSQLiteAuditLoggerFromDB(store.DB())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, e := range []*LoginEvent{
		{Provider: "keycloak", Route: "token", Outcome: OutcomeSuccess, Username: "alice", ExternalID: "keycloak-oauth:alice"},
		{Provider: "keycloak", Route: "password", Outcome: OutcomeFailure, Username: "bob", ErrorKind: "authentication", IPAddress: "10.0.0.1"},
		{Provider: "github", Route: "web", Outcome: OutcomeSuccess, Username: "carol"},
	} {
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := logger.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	events, total, err := logger.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(events) != 3 {
		t.Fatalf("expected 3 events, got total=%d len=%d", total, len(events))
	}
	if events[0].Username != "carol" {
		t.Errorf("expected newest first, got %q", events[0].Username)
	}

	failures, total, err := logger.List(ctx, ListOptions{Provider: "keycloak", Outcome: OutcomeFailure})
	if err != nil {
		t.Fatalf("List failures: %v", err)
	}
	if total != 1 || failures[0].ErrorKind != "authentication" || failures[0].IPAddress != "10.0.0.1" {
		t.Errorf("unexpected failures: total=%d %+v", total, failures)
	}

	page, total, err := logger.List(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].Username != "bob" {
		t.Errorf("unexpected page: total=%d %+v", total, page)
	}
}

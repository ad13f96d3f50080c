//go:build postgres

package storagetest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres returns a connection string for a test database. It uses
// DATABASE_URL when set and otherwise starts a container; stop releases it.
func StartPostgres(ctx context.Context) (connStr string, stop func(), err error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, func() {}, nil
	}
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("oauthfed_test"),
		tcpostgres.WithUsername("oauthfed"),
		tcpostgres.WithPassword("oauthfed"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres container: %w", err)
	}
	stop = func() { _ = container.Terminate(context.Background()) }

	connStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("connection string: %w", err)
	}
	return connStr, stop, nil
}

// PostgresURL is StartPostgres for a single test.
func PostgresURL(t *testing.T) string {
	t.Helper()
	connStr, stop, err := StartPostgres(context.Background())
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	t.Cleanup(stop)
	return connStr
}

//go:build postgres

package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"oauthfed/internal/storage"
	pgmigrations "oauthfed/migrations/postgres"
)

var upFileRe = regexp.MustCompile(`^(\d+)_.+\.up\.sql$`)

// migrationLock is the advisory lock key held while the schema changes.
// Replicas that start together apply each migration once.
const migrationLock int64 = 0x6f61_7574_6866_6564

const (
	createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    BIGINT PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`
	createSchemaInfoTable = `CREATE TABLE IF NOT EXISTS schema_info (
		id                   INTEGER PRIMARY KEY CHECK(id=1),
		schema_version       INTEGER NOT NULL,
		min_supported_schema INTEGER NOT NULL DEFAULT 1,
		app_version          TEXT NOT NULL,
		applied_at           TIMESTAMPTZ NOT NULL DEFAULT NOW())`
)

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := storage.ListMigrations(pgmigrations.Files, upFileRe)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{createMigrationsTable, createSchemaInfoTable} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create migration tables: %w", err)
			}
		}
		applied, err := appliedVersions(ctx, tx)
		if err != nil {
			return err
		}
		for _, m := range storage.PendingMigrations(files, applied) {
			if err := applyMigration(ctx, tx, m); err != nil {
				return err
			}
		}
		return recordSchemaInfo(ctx, tx)
	})
}

// withMigrationLock runs fn in one transaction holding migrationLock. A
// failed migration rolls back everything applied in the same run.
func withMigrationLock(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func applyMigration(ctx context.Context, tx pgx.Tx, m storage.Migration) error {
	body, err := fs.ReadFile(pgmigrations.Files, m.Name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.Name, err)
	}
	if stmt := strings.TrimSpace(string(body)); stmt != "" {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version, name, applied_at) VALUES($1, $2, $3)`,
		m.Version, m.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	return nil
}

func recordSchemaInfo(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO schema_info(id, schema_version, min_supported_schema, app_version, applied_at)
		VALUES(1, (SELECT COALESCE(MAX(version),0) FROM schema_migrations),
			COALESCE((SELECT min_supported_schema FROM schema_info WHERE id=1),1), $1, $2)
		ON CONFLICT(id) DO UPDATE SET schema_version=EXCLUDED.schema_version, app_version=EXCLUDED.app_version, applied_at=EXCLUDED.applied_at`,
		storage.AppVersion(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update schema_info: %w", err)
	}
	return nil
}

// querier is the part of pgxpool.Pool and pgx.Tx the status queries need.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func appliedVersions(ctx context.Context, q querier) (map[int]bool, error) {
	rows, err := q.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[int(v)] = true
	}
	return applied, nil
}

// readStatus reports the schema state without changing it. A database that
// was never migrated reports every migration as pending.
func readStatus(ctx context.Context, q querier) (storage.MigrationStatus, error) {
	files, err := storage.ListMigrations(pgmigrations.Files, upFileRe)
	if err != nil {
		return storage.MigrationStatus{}, err
	}

	var tracked bool
	if err := q.QueryRow(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&tracked); err != nil {
		return storage.MigrationStatus{}, fmt.Errorf("check schema_migrations: %w", err)
	}
	applied := map[int]bool{}
	if tracked {
		if applied, err = appliedVersions(ctx, q); err != nil {
			return storage.MigrationStatus{}, err
		}
	}

	st := storage.MigrationStatus{Applied: len(applied)}
	for v := range applied {
		st.Latest = max(st.Latest, v)
	}
	for _, m := range storage.PendingMigrations(files, applied) {
		st.Pending = append(st.Pending, m.Name)
	}
	if !tracked {
		return st, nil
	}

	err = q.QueryRow(ctx, `SELECT schema_version, min_supported_schema, app_version, applied_at FROM schema_info WHERE id=1`).
		Scan(&st.SchemaVersion, &st.MinSupported, &st.AppVersion, &st.AppliedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return storage.MigrationStatus{}, fmt.Errorf("read schema_info: %w", err)
	}
	return st, nil
}

// MigrationStatus reports the schema state of the store's database.
func (s *Store) MigrationStatus(ctx context.Context) (storage.MigrationStatus, error) {
	return readStatus(ctx, s.pool)
}

// Status connects to connStr and summarizes its schema state without
// running migrations.
func Status(connStr string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return "", err
	}
	defer pool.Close()

	st, err := readStatus(ctx, pool)
	if err != nil {
		return "", err
	}
	return st.String(), nil
}

//go:build sqlite

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"oauthfed/internal/storage"
	migfs "oauthfed/migrations"
)

var migFileRe = regexp.MustCompile(`^(\d+)_.+\.sql$`)

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL)`); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (id INTEGER PRIMARY KEY CHECK(id=1), schema_version INTEGER NOT NULL, min_supported_schema INTEGER NOT NULL DEFAULT 1, app_version TEXT NOT NULL, applied_at TEXT NOT NULL)`); err != nil {
		return err
	}

	// A migrations directory next to the working dir wins over the embedded copy.
	var useFS fs.FS = migfs.Files
	if dir, err := findMigrationsDir(); err == nil {
		useFS = os.DirFS(dir)
	}

	files, err := storage.ListMigrations(useFS, migFileRe)
	if err != nil {
		return err
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	for _, f := range storage.PendingMigrations(files, applied) {
		b, err := fs.ReadFile(useFS, f.Name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f.Name, err)
		}
		stmt := strings.TrimSpace(string(b))
		if stmt == "" {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", f.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, name, applied_at) VALUES(?, ?, ?)`,
			f.Version, f.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	var latest int
	_ = db.QueryRow(`SELECT COALESCE(MAX(version),0) FROM schema_migrations`).Scan(&latest)
	_, _ = db.Exec(`INSERT INTO schema_info(id, schema_version, min_supported_schema, app_version, applied_at)
		VALUES(1, ?, COALESCE((SELECT min_supported_schema FROM schema_info WHERE id=1),1), ?, ?)
		ON CONFLICT(id) DO UPDATE SET schema_version=excluded.schema_version, app_version=excluded.app_version, applied_at=excluded.applied_at`,
		latest, storage.AppVersion(), time.Now().UTC().Format(time.RFC3339))
	return nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// readStatus reports the schema state of db without changing it.
func readStatus(db *sql.DB) (storage.MigrationStatus, error) {
	files, err := storage.ListMigrations(migfs.Files, migFileRe)
	if err != nil {
		return storage.MigrationStatus{}, err
	}
	var tracked int
	if err := db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&tracked); err != nil {
		return storage.MigrationStatus{}, err
	}
	applied := map[int]bool{}
	if tracked > 0 {
		if applied, err = appliedVersions(db); err != nil {
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
	if tracked == 0 {
		return st, nil
	}

	var appliedAt string
	err = db.QueryRow(`SELECT schema_version, min_supported_schema, app_version, applied_at FROM schema_info WHERE id=1`).
		Scan(&st.SchemaVersion, &st.MinSupported, &st.AppVersion, &appliedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storage.MigrationStatus{}, err
	}
	st.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
	return st, nil
}

func findMigrationsDir() (string, error) {
	candidates := []string{
		"migrations",
		filepath.Join("..", "migrations"),
		filepath.Join("..", "..", "migrations"),
		filepath.Join("..", "..", "..", "migrations"),
	}
	for _, c := range candidates {
		if ok, err := dirHasSQL(c); err == nil && ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found; tried %v", candidates)
}

// dirHasSQL only looks at the top level; the postgres subdirectory holds a
// different dialect.
func dirHasSQL(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() && migFileRe.MatchString(e.Name()) && !strings.HasSuffix(e.Name(), ".up.sql") {
			return true, nil
		}
	}
	return false, nil
}

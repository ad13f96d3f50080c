package storage

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Migration is one numbered schema file.
type Migration struct {
	Version int
	Name    string
}

// ListMigrations returns the files at the top of fsys whose names match re,
// ordered by version. The first submatch of re is the version number.
func ListMigrations(fsys fs.FS, re *regexp.Regexp) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []Migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if len(m) < 2 {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version %q", e.Name(), m[1])
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()
		out = append(out, Migration{Version: v, Name: e.Name()})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// PendingMigrations returns the entries of all not in applied, in order.
func PendingMigrations(all []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// AppVersion is recorded in schema_info next to the schema version.
func AppVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}

// MigrationStatus summarizes the schema state of a database.
type MigrationStatus struct {
	SchemaVersion int
	MinSupported  int
	Applied       int
	Latest        int
	AppVersion    string
	AppliedAt     time.Time
	Pending       []string
}

// UpToDate reports whether every known migration has been applied.
func (s MigrationStatus) UpToDate() bool { return len(s.Pending) == 0 }

func (s MigrationStatus) String() string {
	var applied string
	if !s.AppliedAt.IsZero() {
		applied = s.AppliedAt.UTC().Format(time.RFC3339)
	}
	pending := "none"
	if len(s.Pending) > 0 {
		pending = strings.Join(s.Pending, ",")
	}
	return fmt.Sprintf("schema_version=%d applied=%d latest=%d app_version=%s applied_at=%s min_supported=%d pending=%s",
		s.SchemaVersion, s.Applied, s.Latest, s.AppVersion, applied, s.MinSupported, pending)
}

package storage_test

import (
	"reflect"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"oauthfed/internal/storage"
)

var upRe = regexp.MustCompile(`^(\d+)_.+\.up\.sql$`)

func TestListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"0010_audit.up.sql":      {Data: []byte("CREATE TABLE a();")},
		"0002_sessions.up.sql":   {Data: []byte("CREATE TABLE s();")},
		"0002_sessions.down.sql": {Data: []byte("DROP TABLE s;")},
		"0001_accounts.up.sql":   {Data: []byte("CREATE TABLE x();")},
		"README.md":              {Data: []byte("docs")},
		"nested/0003_x.up.sql":   {Data: []byte("ignored")},
	}
	got, err := storage.ListMigrations(fsys, upRe)
	if err != nil {
		t.Fatalf("ListMigrations: %v", err)
	}
	want := []storage.Migration{
		{Version: 1, Name: "0001_accounts.up.sql"},
		{Version: 2, Name: "0002_sessions.up.sql"},
		{Version: 10, Name: "0010_audit.up.sql"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListMigrations = %v, want %v", got, want)
	}
}

func TestListMigrationsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_accounts.up.sql": {Data: []byte("x")},
		"001_other.up.sql":     {Data: []byte("y")},
	}
	if _, err := storage.ListMigrations(fsys, upRe); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestPendingMigrations(t *testing.T) {
	all := []storage.Migration{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}
	got := storage.PendingMigrations(all, map[int]bool{1: true, 3: true})
	if len(got) != 1 || got[0].Name != "b" {
		t.Errorf("PendingMigrations = %v", got)
	}
	if got := storage.PendingMigrations(all, map[int]bool{1: true, 2: true, 3: true}); len(got) != 0 {
		t.Errorf("expected nothing pending, got %v", got)
	}
}

func TestMigrationStatusString(t *testing.T) {
	s := storage.MigrationStatus{SchemaVersion: 3, Applied: 3, Latest: 3, AppVersion: "dev", MinSupported: 1}
	if !s.UpToDate() {
		t.Error("expected up to date")
	}
	if got := s.String(); !strings.Contains(got, "schema_version=3") || !strings.Contains(got, "pending=none") {
		t.Errorf("String() = %q", got)
	}

	s.Pending = []string{"0004_groups.sql", "0005_keys.sql"}
	if s.UpToDate() {
		t.Error("expected pending migrations")
	}
	if got := s.String(); !strings.Contains(got, "pending=0004_groups.sql,0005_keys.sql") {
		t.Errorf("String() = %q", got)
	}
}

func TestAppVersion(t *testing.T) {
	t.Setenv("APP_VERSION", "")
	if got := storage.AppVersion(); got != "dev" {
		t.Errorf("AppVersion() = %q, want dev", got)
	}
	t.Setenv("APP_VERSION", "1.4.0")
	if got := storage.AppVersion(); got != "1.4.0" {
		t.Errorf("AppVersion() = %q", got)
	}
}

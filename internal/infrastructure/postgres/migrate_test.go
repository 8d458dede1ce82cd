package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	files := fstest.MapFS{
		"migrations/010_later.sql": {Data: []byte("SELECT 10;")},
		"migrations/002_next.sql":  {Data: []byte("SELECT 2;")},
		"migrations/001_init.sql":  {Data: []byte("SELECT 1;")},
		"migrations/notes.sql":     {Data: []byte("-- no version")},
		"migrations/README.md":     {Data: []byte("ignored")},
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 10} {
		if migrations[i].Version != want {
			t.Errorf("migration %d version = %d, want %d", i, migrations[i].Version, want)
		}
	}
	if migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL %q", migrations[0].SQL)
	}
}

func TestEmbeddedSchema(t *testing.T) {
	migrations, err := LoadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Version != 1 {
		t.Fatalf("expected embedded 001 migration, got %+v", migrations)
	}
	for _, table := range []string{"dose_events", "outbox", "inbox", "connections", "patient_preferences"} {
		if !strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema does not create %s", table)
		}
	}
	if !strings.Contains(migrations[0].SQL, "UNIQUE (medication_id, scheduled_time)") {
		t.Error("dose_events must be unique per medication slot")
	}
}

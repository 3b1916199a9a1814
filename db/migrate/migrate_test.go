package migrate

import (
	"strings"
	"testing"
)

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion int
		wantName    string
		wantErr     bool
	}{
		{"001_refresh_runs.sql", 1, "refresh_runs", false},
		{"002_refresh_run_failures.sql", 2, "refresh_run_failures", false},
		{"100_future_migration.sql", 100, "future_migration", false},
		{"invalid.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
		{"001.sql", 0, "", true},
		{"001_.sql", 0, "", true},
		{"000_zero.sql", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFilename(tt.filename)

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s, got nil", tt.filename)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %s: %v", tt.filename, err)
			}
			if version != tt.wantVersion {
				t.Errorf("version: got %d, want %d", version, tt.wantVersion)
			}
			if name != tt.wantName {
				t.Errorf("name: got %s, want %s", name, tt.wantName)
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one migration, got none")
	}

	for i := 1; i < len(migrations); i++ {
		if migrations[i].version <= migrations[i-1].version {
			t.Errorf("migrations not sorted: %d comes after %d",
				migrations[i].version, migrations[i-1].version)
		}
	}
	if migrations[0].version != 1 {
		t.Errorf("first migration version: got %d, want 1", migrations[0].version)
	}
	for _, m := range migrations {
		if strings.TrimSpace(m.sql) == "" {
			t.Errorf("migration %s has empty SQL", m)
		}
	}
}

func TestRefreshRunsMigration(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if migrations[0].String() != "001_refresh_runs" {
		t.Fatalf("first migration: got %s", migrations[0])
	}
	if !strings.Contains(migrations[0].sql, "CREATE TABLE IF NOT EXISTS refresh_runs") {
		t.Error("001 does not create refresh_runs")
	}
}

func TestPendingMigrations(t *testing.T) {
	available := []migration{
		{version: 1, name: "a"},
		{version: 2, name: "b"},
		{version: 3, name: "c"},
	}
	applied := []Record{{Version: 1, Name: "a"}, {Version: 3, Name: "c"}}

	pending := pendingMigrations(available, applied)
	if len(pending) != 1 || pending[0].version != 2 {
		t.Errorf("pending: got %v", pending)
	}

	if got := latestVersion(applied); got != 3 {
		t.Errorf("latestVersion: got %d, want 3", got)
	}
	if got := latestVersion(nil); got != 0 {
		t.Errorf("latestVersion of nothing: got %d", got)
	}
}

package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/lalithlochan/chime/internal/config"
)

func TestPendingMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0002_templates.up.sql",
		"0001_create_reminders.up.sql",
		"0001_create_reminders.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := pendingMigrations(dir, map[string]bool{})
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}
	want := []string{"0001_create_reminders.up.sql", "0002_templates.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = pendingMigrations(dir, map[string]bool{"0001_create_reminders.up.sql": true})
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"0002_templates.up.sql"}) {
		t.Errorf("applied migration not skipped: %v", got)
	}

	if _, err := pendingMigrations(filepath.Join(dir, "missing"), nil); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &config.Config{DBHost: "db", DBPort: 5432, DBUser: "chime", DBName: "chime", DBSSLMode: "disable"}

	t.Setenv("DATABASE_URL", "")
	if got := databaseURL(cfg); got != "host=db port=5432 user=chime dbname=chime sslmode=disable" {
		t.Errorf("unexpected dsn %q", got)
	}

	t.Setenv("DATABASE_URL", "postgres://u:p@h/d")
	if got := databaseURL(cfg); got != "postgres://u:p@h/d" {
		t.Errorf("DATABASE_URL not preferred: %q", got)
	}
}

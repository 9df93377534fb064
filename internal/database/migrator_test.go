package database

import (
	"context"
	"testing"
)

func TestLoadAppliedVersions_NilPool(t *testing.T) {
	_, err := loadAppliedVersions(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestApplyOneMigration_NilPool(t *testing.T) {
	err := applyOneMigration(context.Background(), nil, t.TempDir(), "001_init.sql")
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestCountPendingMigrations(t *testing.T) {
	files := []string{"001_init.sql", "002_indexes.sql", "003_logs.sql"}
	applied := map[string]bool{"001_init.sql": true}

	if got := countPendingMigrations(files, applied); got != 2 {
		t.Errorf("countPendingMigrations = %d, want 2", got)
	}
	if got := countPendingMigrations(nil, applied); got != 0 {
		t.Errorf("countPendingMigrations(nil) = %d, want 0", got)
	}
}

package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/multi-agent/chatstream/internal/config"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
)

func TestMigrate_NilPool(t *testing.T) {
	if _, err := Migrate(context.Background(), nil, t.TempDir()); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

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

func TestSQLFileNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_blocks.sql", "001_init.sql", "README.md", "010_idx.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	got := sqlFileNames(entries)
	want := []string{"001_init.sql", "002_blocks.sql", "010_idx.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sqlFileNames() = %v, want %v", got, want)
	}
}

func TestCountPendingMigrations(t *testing.T) {
	files := []string{"001.sql", "002.sql", "003.sql"}
	tests := []struct {
		name    string
		applied map[string]bool
		want    int
	}{
		{"none_applied", map[string]bool{}, 3},
		{"partial", map[string]bool{"001.sql": true}, 2},
		{"all", map[string]bool{"001.sql": true, "002.sql": true, "003.sql": true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countPendingMigrations(files, tt.applied); got != tt.want {
				t.Errorf("countPendingMigrations() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildPoolConfig(t *testing.T) {
	t.Run("missing_conn_str", func(t *testing.T) {
		_, err := buildPoolConfig(&config.Config{})
		if !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("err = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("sizes_and_schema", func(t *testing.T) {
		cfg := &config.Config{
			PostgresConnStr:     "postgres://u:p@localhost:5432/chat",
			PostgresSchema:      "chat",
			PostgresPoolMinSize: 3,
			PostgresPoolMaxSize: 2,
		}
		pc, err := buildPoolConfig(cfg)
		if err != nil {
			t.Fatalf("buildPoolConfig() error: %v", err)
		}
		if pc.MinConns != 3 || pc.MaxConns != 3 {
			t.Errorf("conns = %d/%d, want 3/3", pc.MinConns, pc.MaxConns)
		}
		if pc.AfterConnect == nil {
			t.Error("expected AfterConnect for non-public schema")
		}
	})

	t.Run("public_schema", func(t *testing.T) {
		pc, err := buildPoolConfig(&config.Config{
			PostgresConnStr:     "postgres://localhost/chat",
			PostgresSchema:      "public",
			PostgresPoolMinSize: 1,
			PostgresPoolMaxSize: 4,
		})
		if err != nil {
			t.Fatalf("buildPoolConfig() error: %v", err)
		}
		if pc.AfterConnect != nil {
			t.Error("public schema should not set search_path")
		}
	})
}

func TestSafeInt32(t *testing.T) {
	if got := safeInt32(-5, "x"); got != 0 {
		t.Errorf("safeInt32(-5) = %d", got)
	}
	if got := safeInt32(1<<40, "x"); got != 1<<31-1 {
		t.Errorf("safeInt32(1<<40) = %d", got)
	}
	if got := safeInt32(7, "x"); got != 7 {
		t.Errorf("safeInt32(7) = %d", got)
	}
}

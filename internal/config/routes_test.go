package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/kiro-gateway/internal/config"
)

func TestLoadRoutes_EmptyPathReturnsEmptyTable(t *testing.T) {
	table, err := config.LoadRoutes("")
	if err != nil {
		t.Fatalf("LoadRoutes: %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("expected empty table, got %v", table)
	}
}

func TestLoadRoutes_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	content := `{
		"123456": {"cwd": "/srv/discord-123456"},
		"789": {"cwd": "/srv/discord-789", "kiroArgs": ["--profile", "support"]}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write routes: %v", err)
	}

	table, err := config.LoadRoutes(path)
	if err != nil {
		t.Fatalf("LoadRoutes: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(table))
	}
	if table["123456"].Cwd != "/srv/discord-123456" {
		t.Fatalf("unexpected cwd for 123456: %q", table["123456"].Cwd)
	}
	if len(table["789"].KiroArgs) != 2 || table["789"].KiroArgs[0] != "--profile" {
		t.Fatalf("unexpected kiroArgs for 789: %v", table["789"].KiroArgs)
	}
}

func TestLoadRoutes_MissingCwdFailsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	if err := os.WriteFile(path, []byte(`{"123": {"kiroArgs": ["x"]}}`), 0o644); err != nil {
		t.Fatalf("write routes: %v", err)
	}

	if _, err := config.LoadRoutes(path); err == nil {
		t.Fatal("expected validation error for missing cwd")
	}
}

func TestLoadRoutes_MissingFileErrors(t *testing.T) {
	if _, err := config.LoadRoutes("/nonexistent/routes.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/kiro-gateway/internal/config"
)

func TestLoad_FromHomeSettings(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("port: 9001\ncwd: /srv/app\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	t.Setenv("KIRO_GATEWAY_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 9001 {
		t.Fatalf("expected port=9001, got %d", cfg.Port)
	}
	if cfg.Cwd != "/srv/app" {
		t.Fatalf("expected cwd=/srv/app, got %q", cfg.Cwd)
	}
}

func TestLoad_MissingSettingsFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KIRO_GATEWAY_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Fatalf("expected default host=127.0.0.1, got %q", cfg.Host)
	}
	if cfg.Port != 8089 {
		t.Fatalf("expected default port=8089, got %d", cfg.Port)
	}
	if cfg.KiroBin != "kiro" {
		t.Fatalf("expected default kiro_bin=kiro, got %q", cfg.KiroBin)
	}
	if cfg.IdleSecs != 1800 {
		t.Fatalf("expected default idle_secs=1800, got %d", cfg.IdleSecs)
	}
}

func TestLoad_EnvOverridesSettings(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("port: 9001\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	t.Setenv("KIRO_GATEWAY_HOME", home)
	t.Setenv("KIRO_GATEWAY_PORT", "9500")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 9500 {
		t.Fatalf("expected env override port=9500, got %d", cfg.Port)
	}
}

func TestApplyFlags_OverridesConfigValues(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.ApplyFlags(config.Flags{
		Port:    7000,
		KiroBin: "/usr/local/bin/kiro",
		Verbose: true,
	})
	if cfg.Port != 7000 {
		t.Fatalf("expected flag override port=7000, got %d", cfg.Port)
	}
	if cfg.KiroBin != "/usr/local/bin/kiro" {
		t.Fatalf("expected flag override kiro_bin, got %q", cfg.KiroBin)
	}
	if !cfg.Verbose || cfg.LogLevel != "debug" {
		t.Fatalf("expected verbose flag to set debug log level, got verbose=%v level=%q", cfg.Verbose, cfg.LogLevel)
	}
}

func TestApplyFlags_ZeroValuesDoNotOverride(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	originalPort := cfg.Port
	cfg.ApplyFlags(config.Flags{})
	if cfg.Port != originalPort {
		t.Fatalf("expected unset flags to leave port unchanged, got %d", cfg.Port)
	}
}

func TestFingerprint_StableForSameConfig(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a := cfg.Fingerprint()
	b := cfg.Fingerprint()
	if a != b {
		t.Fatalf("expected stable fingerprint, got %q then %q", a, b)
	}
}

func TestFingerprint_ChangesWithPort(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	before := cfg.Fingerprint()
	cfg.Port = cfg.Port + 1
	after := cfg.Fingerprint()
	if before == after {
		t.Fatalf("expected fingerprint to change when port changes")
	}
}

func TestAgentArgs_DefaultsWithoutRouteOverride(t *testing.T) {
	cfg := config.Config{KiroArgs: []string{"acp"}}
	args := cfg.AgentArgs(nil)
	if len(args) != 1 || args[0] != "acp" {
		t.Fatalf("expected default args [acp], got %v", args)
	}
}

func TestAgentArgs_AppendsRouteOverride(t *testing.T) {
	cfg := config.Config{KiroArgs: []string{"acp"}}
	args := cfg.AgentArgs([]string{"--profile", "discord"})
	want := []string{"acp", "--profile", "discord"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, args)
		}
	}
}

func TestHomeDir_RespectsOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom-home")
	t.Setenv("KIRO_GATEWAY_HOME", dir)
	if got := config.HomeDir(); got != dir {
		t.Fatalf("expected HomeDir()=%q, got %q", dir, got)
	}
}

// Package config loads and validates gateway configuration: CLI flags,
// a YAML settings file, environment overrides, and the channel route table.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OTelConfig controls telemetry export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DiagnosticsConfig controls the optional /ws/diagnostics side-channel.
type DiagnosticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the effective gateway configuration, merged from defaults,
// the YAML settings file, environment overrides, and CLI flags (in that
// increasing order of precedence).
type Config struct {
	HomeDir string `yaml:"-"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// KiroBin is the agent binary to spawn, e.g. "kiro". KiroArgs are the
	// subcommand and default extra args appended after it.
	KiroBin  string   `yaml:"kiro_bin"`
	KiroArgs []string `yaml:"kiro_args"`

	// Cwd is the default working directory for spawned agent subprocesses,
	// overridden per-channel by the route table.
	Cwd string `yaml:"cwd"`

	// IdleSecs is the session idle-eviction timeout in seconds.
	IdleSecs int `yaml:"idle_secs"`

	// PromptIdleSecs is the per-prompt activity watchdog timeout in seconds.
	PromptIdleSecs int `yaml:"prompt_idle_secs"`

	// DrainTimeoutSecs bounds graceful shutdown: SIGTERM every child, then
	// SIGKILL stragglers after this many seconds.
	DrainTimeoutSecs int `yaml:"drain_timeout_secs"`

	// RoutesPath points at the channel route table JSON file (§4.5).
	RoutesPath string `yaml:"routes_path"`

	LogLevel string `yaml:"log_level"`
	Verbose  bool   `yaml:"-"`

	OTel        OTelConfig        `yaml:"otel"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// ConfigPath returns the path to settings.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "settings.yaml")
}

func defaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             8089,
		KiroBin:          "kiro",
		KiroArgs:         []string{"acp"},
		Cwd:              ".",
		IdleSecs:         int((30 * time.Minute).Seconds()),
		PromptIdleSecs:   int((5 * time.Minute).Seconds()),
		DrainTimeoutSecs: 5,
		LogLevel:         "info",
		OTel: OTelConfig{
			Enabled:  false,
			Exporter: "none",
		},
	}
}

// HomeDir returns the gateway's home directory, honoring KIRO_GATEWAY_HOME.
func HomeDir() string {
	if override := os.Getenv("KIRO_GATEWAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kiro-gateway")
}

// Load reads settings.yaml (if present) under HomeDir, applies environment
// overrides, and normalizes defaults. It never fails solely because the
// settings file is missing — an absent file just means all defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read settings.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8089
	}
	if cfg.KiroBin == "" {
		cfg.KiroBin = "kiro"
	}
	if cfg.Cwd == "" {
		cfg.Cwd = "."
	}
	if cfg.IdleSecs <= 0 {
		cfg.IdleSecs = int((30 * time.Minute).Seconds())
	}
	if cfg.PromptIdleSecs <= 0 {
		cfg.PromptIdleSecs = int((5 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSecs <= 0 {
		cfg.DrainTimeoutSecs = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "kiro-gateway"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("KIRO_GATEWAY_HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := os.Getenv("KIRO_GATEWAY_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("KIRO_GATEWAY_BIN"); raw != "" {
		cfg.KiroBin = raw
	}
	if raw := os.Getenv("KIRO_GATEWAY_CWD"); raw != "" {
		cfg.Cwd = raw
	}
	if raw := os.Getenv("KIRO_GATEWAY_IDLE_SECS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.IdleSecs = v
		}
	}
	if raw := os.Getenv("KIRO_GATEWAY_ROUTES"); raw != "" {
		cfg.RoutesPath = raw
	}
	if raw := os.Getenv("KIRO_GATEWAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("KIRO_GATEWAY_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("KIRO_GATEWAY_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

// ApplyFlags overlays CLI flag values onto cfg. Zero-value flags (the flag
// wasn't passed) never overwrite a config-file or env value; callers pass
// only the flags that were explicitly set.
type Flags struct {
	Host       string
	Port       int
	KiroBin    string
	KiroArgs   []string
	Cwd        string
	IdleSecs   int
	RoutesPath string
	Verbose    bool
}

func (cfg *Config) ApplyFlags(f Flags) {
	if f.Host != "" {
		cfg.Host = f.Host
	}
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.KiroBin != "" {
		cfg.KiroBin = f.KiroBin
	}
	if len(f.KiroArgs) > 0 {
		cfg.KiroArgs = f.KiroArgs
	}
	if f.Cwd != "" {
		cfg.Cwd = f.Cwd
	}
	if f.IdleSecs != 0 {
		cfg.IdleSecs = f.IdleSecs
	}
	if f.RoutesPath != "" {
		cfg.RoutesPath = f.RoutesPath
	}
	if f.Verbose {
		cfg.Verbose = true
		cfg.LogLevel = "debug"
	}
}

// Fingerprint returns a stable hash of the active config, useful for logging
// which settings a running process started with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|bin=%s|cwd=%s|idle=%d|log=%s|routes=%s",
		c.Host, c.Port, c.KiroBin, c.Cwd, c.IdleSecs, c.LogLevel, c.RoutesPath)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// AgentArgs returns the full argv to exec the agent binary with, given an
// optional per-channel route override.
func (c Config) AgentArgs(routeExtra []string) []string {
	if len(routeExtra) == 0 {
		return append([]string(nil), c.KiroArgs...)
	}
	args := append([]string(nil), c.KiroArgs...)
	return append(args, routeExtra...)
}

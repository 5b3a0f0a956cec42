package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SupervisorConfig bounds how often a crashed actor is restarted before its
// supervisor gives up.
type SupervisorConfig struct {
	MaxRestarts          int `yaml:"max_restarts"`
	RestartWindowSeconds int `yaml:"restart_window_seconds"`
}

// SandboxConfig runs script hooks in ephemeral docker containers.
type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

type HooksConfig struct {
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	MaxErrorLength int           `yaml:"max_error_length"`
	Shell          string        `yaml:"shell"`
	WorkDir        string        `yaml:"work_dir"`
	AgentCommand   []string      `yaml:"agent_command"`
	Sandbox        SandboxConfig `yaml:"sandbox"`
}

type RetentionConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Schedule             string `yaml:"schedule"`
	ExecutionHistoryDays int    `yaml:"execution_history_days"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DefaultHookBinding attaches a hook to a default column when a board is created.
type DefaultHookBinding struct {
	HookID      string         `yaml:"hook_id"`
	ExecuteOnce bool           `yaml:"execute_once"`
	Transparent bool           `yaml:"transparent"`
	Removable   *bool          `yaml:"removable"`
	Settings    map[string]any `yaml:"settings"`
}

// ColumnDefault describes a column provisioned on every new board.
type ColumnDefault struct {
	Name               string               `yaml:"name"`
	MaxConcurrentTasks int                  `yaml:"max_concurrent_tasks"`
	Hooks              []DefaultHookBinding `yaml:"hooks"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`
	// AuthToken, when set, is required as a bearer token on the gateway.
	AuthToken           string   `yaml:"auth_token"`
	AllowOrigins        []string `yaml:"allow_origins"`
	DBPath              string   `yaml:"db_path"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
	ResumeOnRestart     bool     `yaml:"resume_on_restart"`
	MaxRedirects        int      `yaml:"max_redirects"`

	Supervisor     SupervisorConfig `yaml:"supervisor"`
	Hooks          HooksConfig      `yaml:"hooks"`
	Retention      RetentionConfig  `yaml:"retention"`
	Telemetry      TelemetryConfig  `yaml:"telemetry"`
	DefaultColumns []ColumnDefault  `yaml:"default_columns"`
}

// HookTimeout returns the per-hook timeout as a duration.
func (c Config) HookTimeout() time.Duration {
	return time.Duration(c.Hooks.TimeoutSeconds) * time.Second
}

// DrainTimeout returns the bounded shutdown drain as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// RestartWindow returns the supervisor restart-intensity window.
func (c Config) RestartWindow() time.Duration {
	return time.Duration(c.Supervisor.RestartWindowSeconds) * time.Second
}

// ResolvedDBPath returns the SQLite path, defaulting into the home directory.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "golanes.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect execution.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|timeout=%d|redirects=%d|restarts=%d/%d|sandbox=%t",
		c.BindAddr, c.LogLevel, c.Hooks.TimeoutSeconds, c.MaxRedirects,
		c.Supervisor.MaxRestarts, c.Supervisor.RestartWindowSeconds, c.Hooks.Sandbox.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		BindAddr:            "127.0.0.1:18790",
		DrainTimeoutSeconds: 5,
		ResumeOnRestart:     true,
		MaxRedirects:        8,
		Supervisor: SupervisorConfig{
			MaxRestarts:          3,
			RestartWindowSeconds: 5,
		},
		Hooks: HooksConfig{
			TimeoutSeconds: int((10 * time.Minute).Seconds()),
			MaxErrorLength: 2000,
			Shell:          "sh",
			AgentCommand:   []string{"claude", "-p"},
			Sandbox: SandboxConfig{
				Image:    "alpine:3.20",
				MemoryMB: 512,
				Network:  "none",
			},
		},
		Retention: RetentionConfig{
			Enabled:              true,
			Schedule:             "0 3 * * *",
			ExecutionHistoryDays: 90,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "golanes",
			SampleRate:  1,
		},
		DefaultColumns: []ColumnDefault{
			{Name: "Todo"},
			{
				Name:               "In Progress",
				MaxConcurrentTasks: 2,
				Hooks: []DefaultHookBinding{
					{HookID: "system:notify", Settings: map[string]any{"message": "started"}},
				},
			},
			{Name: "Done"},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOLANES_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".golanes")
}

// Load reads config.yaml from HomeDir(), applying defaults and env overrides.
// A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create golanes home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 8
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		cfg.Supervisor.MaxRestarts = 0
	}
	if cfg.Supervisor.RestartWindowSeconds <= 0 {
		cfg.Supervisor.RestartWindowSeconds = 5
	}
	if cfg.Hooks.TimeoutSeconds <= 0 {
		cfg.Hooks.TimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Hooks.MaxErrorLength <= 0 {
		cfg.Hooks.MaxErrorLength = 2000
	}
	if strings.TrimSpace(cfg.Hooks.Shell) == "" {
		cfg.Hooks.Shell = "sh"
	}
	if cfg.Retention.ExecutionHistoryDays < 0 {
		cfg.Retention.ExecutionHistoryDays = 0
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "golanes"
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.DefaultColumns))
	for i, col := range cfg.DefaultColumns {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			return fmt.Errorf("default_columns[%d]: name must be non-empty", i)
		}
		if seen[name] {
			return fmt.Errorf("default_columns[%d]: duplicate column name %q", i, name)
		}
		seen[name] = true
		if col.MaxConcurrentTasks < 0 {
			return fmt.Errorf("default_columns[%d]: max_concurrent_tasks must be >= 0", i)
		}
		for j, h := range col.Hooks {
			if strings.TrimSpace(h.HookID) == "" {
				return fmt.Errorf("default_columns[%d].hooks[%d]: hook_id must be non-empty", i, j)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOLANES_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOLANES_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOLANES_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("GOLANES_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOLANES_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOLANES_HOOK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Hooks.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOLANES_RESUME_ON_RESTART"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.ResumeOnRestart = v
		}
	}
	if raw := os.Getenv("GOLANES_SANDBOX"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Hooks.Sandbox.Enabled = v
		}
	}
	if raw := os.Getenv("GOLANES_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = raw
	}
}

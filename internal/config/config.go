// Package config loads scc-hub's YAML configuration with environment
// variable overrides layered on top, the same two-layer precedence the
// original prototype used for its own config file.
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

// APIKeyEntry is one entry in the Bearer/API-key table the Gateway's auth
// middleware compares incoming credentials against.
type APIKeyEntry struct {
	Token string   `yaml:"token"`
	Role  string   `yaml:"role"` // submitter | worker | auditor | admin
	Label string   `yaml:"label,omitempty"`
}

// AuthConfig holds the Gateway's Bearer-auth table. AUTH_MODE=none disables
// the check entirely (local/dev use only).
type AuthConfig struct {
	Mode string                  `yaml:"mode"` // "none" | "bearer"
	Keys map[string]APIKeyEntry  `yaml:"keys"` // key value -> entry
}

// RateLimitConfig configures PolicyGate's per-(route,token) sliding window.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	SSEMaxConnections int `yaml:"sse_max_connections"`
}

// SchedulerConfig configures PriorityScheduler's priority-aging behavior.
type SchedulerConfig struct {
	LeaseTTLSeconds        int `yaml:"lease_ttl_seconds"`
	MaxRetries             int `yaml:"max_retries"`
	AgingThresholdSeconds  int `yaml:"aging_threshold_seconds"`
	AgingStep              int `yaml:"aging_step"`
	LeaseSweepIntervalSecs int `yaml:"lease_sweep_interval_seconds"`

	// ExecutorAbandonAfterSeconds is how long an in_progress task may sit
	// without an update before "prune-executor-active-runs" considers its
	// run abandoned, independent of the lease TTL sweep.
	ExecutorAbandonAfterSeconds int `yaml:"executor_abandon_active_run_after_seconds"`
}

// ProfileConfig configures one OrchestratorCore profile's allowances.
type ProfileConfig struct {
	ModelCallsAllowed bool `yaml:"model_calls_allowed"`
	ShellAllowed      bool `yaml:"shell_allowed"`
	MaxSteps          int  `yaml:"max_steps"`
}

// GatesConfig toggles PolicyGate's fail-closed submission gates.
type GatesConfig struct {
	DocLinkEnabled    bool     `yaml:"doc_link_enabled"`
	SignatureEnabled  bool     `yaml:"signature_enabled"`
	ProtectedPaths    []string `yaml:"protected_paths"`
	SemCtxEnabled     bool     `yaml:"semctx_enabled"`
	ImportScanEnabled bool     `yaml:"import_scan_enabled"`
}

// CORSConfig configures the Gateway's browser-facing CORS headers; disabled
// by default since the primary clients are server-to-server Bearer callers.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelemetryConfig mirrors the OTel configuration shape; disabled by default
// so the daemon runs with zero external dependencies unless opted in.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root scc-hub daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	RepoRoot    string `yaml:"repo_root"`
	DBPath      string `yaml:"db_path"`
	PolicyPath  string `yaml:"policy_path"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gates     GatesConfig     `yaml:"gates"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Profiles map[string]ProfileConfig `yaml:"profiles"`

	ModelEnabled      bool `yaml:"-"`
	FullAgentShell    bool `yaml:"-"`
	TaskAutostart     bool `yaml:"-"`
	ExecutorDryRun    bool `yaml:"-"`
	PatchApplyEnabled bool `yaml:"-"`

	ParentInboxPath string `yaml:"parent_inbox_path"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18788",
		LogLevel: "info",
		RepoRoot: ".",
		Auth:     AuthConfig{Mode: "bearer", Keys: map[string]APIKeyEntry{}},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 100,
			SSEMaxConnections: 5,
		},
		Scheduler: SchedulerConfig{
			LeaseTTLSeconds:             60,
			MaxRetries:                  3,
			AgingThresholdSeconds:       30,
			AgingStep:                   1,
			LeaseSweepIntervalSecs:      10,
			ExecutorAbandonAfterSeconds: 21600,
		},
		Gates: GatesConfig{
			DocLinkEnabled: true,
			ProtectedPaths: []string{
				"contracts/", "roles/", "skills/", "eval/",
				"go.mod", "go.sum", "package.json", "requirements.txt",
			},
			ImportScanEnabled: true,
		},
		Profiles: map[string]ProfileConfig{
			"plan":      {ModelCallsAllowed: false, ShellAllowed: false, MaxSteps: 8},
			"chat":      {ModelCallsAllowed: false, ShellAllowed: false, MaxSteps: 12},
			"fullagent": {ModelCallsAllowed: true, ShellAllowed: true, MaxSteps: 64},
		},
	}
}

// ConfigPath returns the YAML config file path, honoring SCC_CONFIG_PATH.
func ConfigPath() string {
	if v := os.Getenv("SCC_CONFIG_PATH"); v != "" {
		return v
	}
	return "./config/scc-hub.yaml"
}

// Load reads the YAML config (if present), applies environment overrides,
// and normalizes defaults. Missing file is not an error — the daemon runs
// on defaults plus environment variables alone.
func Load() (Config, error) {
	cfg := defaultConfig()

	path := ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.RepoRoot, "artifacts", "scc_state", "scc-hub.db")
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(filepath.Dir(ConfigPath()), "policy.yaml")
	}
	if cfg.ParentInboxPath == "" {
		cfg.ParentInboxPath = filepath.Join(cfg.RepoRoot, "artifacts", "scc_state", "parent_inbox.jsonl")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18788"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.LeaseTTLSeconds <= 0 {
		cfg.Scheduler.LeaseTTLSeconds = 60
	}
	if cfg.Scheduler.MaxRetries <= 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	if cfg.Scheduler.AgingThresholdSeconds <= 0 {
		cfg.Scheduler.AgingThresholdSeconds = 30
	}
	if cfg.Scheduler.AgingStep <= 0 {
		cfg.Scheduler.AgingStep = 1
	}
	if cfg.Scheduler.LeaseSweepIntervalSecs <= 0 {
		cfg.Scheduler.LeaseSweepIntervalSecs = 10
	}
	if cfg.Scheduler.ExecutorAbandonAfterSeconds <= 0 {
		cfg.Scheduler.ExecutorAbandonAfterSeconds = 21600
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 100
	}
	if cfg.RateLimit.SSEMaxConnections <= 0 {
		cfg.RateLimit.SSEMaxConnections = 5
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "bearer"
	}
	if cfg.Auth.Keys == nil {
		cfg.Auth.Keys = map[string]APIKeyEntry{}
	}
	if cfg.Profiles == nil {
		cfg.Profiles = defaultConfig().Profiles
	}
}

// LeaseTTL is a convenience Duration accessor.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Scheduler.LeaseTTLSeconds) * time.Second
}

// AgingThreshold is a convenience Duration accessor.
func (c Config) AgingThreshold() time.Duration {
	return time.Duration(c.Scheduler.AgingThresholdSeconds) * time.Second
}

// LeaseSweepInterval is a convenience Duration accessor.
func (c Config) LeaseSweepInterval() time.Duration {
	return time.Duration(c.Scheduler.LeaseSweepIntervalSecs) * time.Second
}

// ExecutorAbandonAfter is a convenience Duration accessor.
func (c Config) ExecutorAbandonAfter() time.Duration {
	return time.Duration(c.Scheduler.ExecutorAbandonAfterSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPO_ROOT"); v != "" {
		cfg.RepoRoot = v
	}
	if host := os.Getenv("UNIFIED_SERVER_HOST"); host != "" {
		port := "18788"
		if p := os.Getenv("UNIFIED_SERVER_PORT"); p != "" {
			port = p
		}
		cfg.BindAddr = host + ":" + port
	}
	if v := os.Getenv("AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	cfg.ModelEnabled = envBool("SCC_MODEL_ENABLED", cfg.ModelEnabled)
	cfg.FullAgentShell = envBool("SCC_FULLAGENT_ALLOW_SHELL", cfg.FullAgentShell)
	cfg.TaskAutostart = envBool("SCC_TASK_AUTOSTART_ENABLED", cfg.TaskAutostart)
	cfg.ExecutorDryRun = envBool("SCC_EXECUTOR_DRY_RUN", cfg.ExecutorDryRun)
	cfg.PatchApplyEnabled = envBool("SCC_PATCH_APPLY_ENABLED", cfg.PatchApplyEnabled)
	if v := os.Getenv("SCC_PARENT_INBOX"); v != "" {
		cfg.ParentInboxPath = v
	}
	if v := os.Getenv("SCC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SCC_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	cfg.Scheduler.ExecutorAbandonAfterSeconds = envInt("SCC_EXECUTOR_ABANDON_ACTIVE_RUN_AFTER_S", cfg.Scheduler.ExecutorAbandonAfterSeconds)
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Fingerprint returns a stable hash of the active config, used to detect
// config drift between process restarts.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|auth=%s|rl=%d|sse=%d|lease_ttl=%d|retries=%d",
		c.BindAddr, c.DBPath, c.Auth.Mode, c.RateLimit.RequestsPerMinute,
		c.RateLimit.SSEMaxConnections, c.Scheduler.LeaseTTLSeconds, c.Scheduler.MaxRetries)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ProtectedPath reports whether path falls under one of the doc-link gate's
// protected path prefixes.
func (c Config) ProtectedPath(path string) bool {
	for _, p := range c.Gates.ProtectedPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Package config handles loading and validating arena configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the arena service.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.arena/data. Override: ARENA_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Pipeline      PipelineConfig       `json:"pipeline" yaml:"pipeline"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr      string `json:"addr" yaml:"addr"`             // Default: ":8080". Override: ARENA_LISTEN_ADDR.
	AuthToken string `json:"auth_token" yaml:"auth_token"` // Bearer token for write endpoints. Empty = open. Override: ARENA_API_TOKEN.
}

// ListenAddr returns the listen address, defaulting to ":8080".
func (s ServerConfig) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: ARENA_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig constrains decompressor execution.
type SandboxConfig struct {
	PythonBin           string `json:"python_bin,omitempty" yaml:"python_bin,omitempty"`         // Default: "python3". Override: ARENA_PYTHON_BIN.
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"`       // Wall-clock and CPU ceiling. Default: 60.
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                       // Default: 512.
	MaxOutputBytes      int    `json:"max_output_bytes" yaml:"max_output_bytes"`                 // Default: 10485760 (10 MB).
	GraceSeconds        int    `json:"grace_seconds,omitempty" yaml:"grace_seconds,omitempty"`   // SIGTERM-to-SIGKILL. Default: 5.
	SpawnRetries        int    `json:"spawn_retries,omitempty" yaml:"spawn_retries,omitempty"`   // Default: 2.
}

// ExecutionTimeout returns the wall-clock limit as a duration.
func (s SandboxConfig) ExecutionTimeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 60 * time.Second
}

// MemoryMB returns the memory ceiling, defaulting to 512.
func (s SandboxConfig) MemoryMB() int {
	if s.MaxMemoryMB > 0 {
		return s.MaxMemoryMB
	}
	return 512
}

// OutputBytes returns the output cap, defaulting to 10 MB.
func (s SandboxConfig) OutputBytes() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 10 << 20
}

// GracePeriod returns the SIGTERM-to-SIGKILL grace, defaulting to 5s.
func (s SandboxConfig) GracePeriod() time.Duration {
	if s.GraceSeconds > 0 {
		return time.Duration(s.GraceSeconds) * time.Second
	}
	return 5 * time.Second
}

// Python returns the interpreter binary, defaulting to "python3".
func (s SandboxConfig) Python() string {
	if s.PythonBin != "" {
		return s.PythonBin
	}
	return "python3"
}

// RateLimitConfig configures submission admission.
type RateLimitConfig struct {
	SubmissionsPerWindow int `json:"submissions_per_window" yaml:"submissions_per_window"` // Default: 10.
	WindowMinutes        int `json:"window_minutes" yaml:"window_minutes"`                 // Default: 60.
}

// Window returns the rolling window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	if r.WindowMinutes > 0 {
		return time.Duration(r.WindowMinutes) * time.Minute
	}
	return time.Hour
}

// PerWindow returns the admission quota, defaulting to 10.
func (r RateLimitConfig) PerWindow() int {
	if r.SubmissionsPerWindow > 0 {
		return r.SubmissionsPerWindow
	}
	return 10
}

// PipelineConfig configures the evaluation worker pool.
type PipelineConfig struct {
	Workers           int `json:"workers" yaml:"workers"`                                               // Default: 2.
	QueueSize         int `json:"queue_size" yaml:"queue_size"`                                         // Default: 64.
	StaleAfterMinutes int `json:"stale_after_minutes,omitempty" yaml:"stale_after_minutes,omitempty"`   // Reaper cutoff. Default: 10.
}

// StaleAfter returns the processing-reaper cutoff as a duration.
func (p PipelineConfig) StaleAfter() time.Duration {
	if p.StaleAfterMinutes > 0 {
		return time.Duration(p.StaleAfterMinutes) * time.Minute
	}
	return 10 * time.Minute
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "arena"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db"`
	IncludePython bool `json:"include_python" yaml:"include_python"`
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/arena.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".arena", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads the config file at path, or returns defaults when
// the file does not exist. A fresh install needs no config at all.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err == nil {
		if _, statErr := os.Stat(resolved); statErr == nil {
			return Load(path)
		}
	}
	cfg := &Config{}
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies ARENA_* environment variables on top of the
// file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ARENA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ARENA_LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ARENA_API_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("ARENA_PYTHON_BIN"); v != "" {
		c.Sandbox.PythonBin = v
	}
	if v := os.Getenv("ARENA_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = v
	}
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".arena", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "arena.db")
}

// ChallengesDir returns the challenge dataset directory.
func (c *Config) ChallengesDir() string {
	return filepath.Join(c.ResolvedDataDir(), "challenges")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.RateLimit.SubmissionsPerWindow < 0 {
		return fmt.Errorf("rate_limit.submissions_per_window must not be negative")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "ANTCODE_"
	configEnvVar = "CONFIG_PATH"
)

// Loader resolves configuration from layered sources.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
	flagOverlay map[string]any
}

// NewLoader creates a configuration loader with the default search paths.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/antcode/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths sets the candidate config file search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithFlagOverlay layers parsed CLI flag values on top of defaults, file
// and env, matching the wire protocol's "defaults -> YAML -> env -> CLI
// flags" precedence. Only non-zero flag values should be included by the
// caller (cobra binds flags unconditionally, so the caller is expected to
// filter to flags the user actually set via cmd.Flags().Changed).
func WithFlagOverlay(values map[string]any) LoaderOption {
	return func(l *Loader) {
		l.flagOverlay = values
	}
}

// Load resolves configuration with precedence:
// 1. Defaults (lowest)
// 2. Config file (yaml)
// 3. Environment variables
// 4. CLI flags (highest)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	if len(l.flagOverlay) > 0 {
		if err := l.k.Load(confmap.Provider(l.flagOverlay, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load flag overlay: %w", err)
		}
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults loads the built-in defaults.
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "antcode-worker",
		"app.version":     "0.1.0",
		"app.environment": "development",
		"app.debug":       false,

		// GRPC (Gateway transport listener, Master side)
		"grpc.port":                               50061,
		"grpc.admin_port":                          50062,
		"grpc.max_recv_msg_size":                  16 * 1024 * 1024,
		"grpc.max_send_msg_size":                  16 * 1024 * 1024,
		"grpc.max_concurrent_conn":                5000,
		"grpc.keepalive.max_connection_idle":      15 * time.Minute,
		"grpc.keepalive.max_connection_age":       30 * time.Minute,
		"grpc.keepalive.max_connection_age_grace": 5 * time.Minute,
		"grpc.keepalive.time":                     30 * time.Second,
		"grpc.keepalive.timeout":                  20 * time.Second,
		"grpc.tls.enabled":                        false,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "antcode",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "antcode-worker",
		"tracing.sample_rate":  0.1,

		// Transport
		"transport.mode":                      "direct",
		"transport.namespace":                 "antcode",
		"transport.direct.redis_url":          "redis://localhost:6379/0",
		"transport.direct.pool_size":          10,
		"transport.direct.ready_stream_maxlen": 10000,
		"transport.direct.log_stream_maxlen":  100000,

		// Worker
		"worker.name":                      "",
		"worker.host":                      "0.0.0.0",
		"worker.port":                      0,
		"worker.worker_id":                 "unassigned",
		"worker.max_concurrent_tasks":      4,
		"worker.heartbeat_interval":        10 * time.Second,
		"worker.degraded_interval":         30 * time.Second,
		"worker.max_consecutive_failures":  3,
		"worker.reconnect_backoff_max":     60 * time.Second,
		"worker.data_dir":                  "./data",
		"worker.identity_file":             "identity/worker_identity.yaml",

		// Runtime
		"runtime.venvs_dir":       "./data/venvs",
		"runtime.package_manager": "uv",
		"runtime.build_timeout":   10 * time.Minute,

		// Executor
		"executor.max_concurrent":       4,
		"executor.default_grace_period": 10 * time.Second,
		"executor.max_log_line_bytes":   65536,

		// Log pipeline
		"log_pipeline.wal_dir":            "./data/wal",
		"log_pipeline.spool_dir":          "./data/spool",
		"log_pipeline.batch_size":         100,
		"log_pipeline.flush_interval":     2 * time.Second,
		"log_pipeline.max_queue_size":     10000,
		"log_pipeline.warning_threshold":  0.7,
		"log_pipeline.critical_threshold": 0.9,
		"log_pipeline.drop_on_critical":   false,
		"log_pipeline.archive_enabled":    false,
		"log_pipeline.archive_url_prefix": "",

		// Dispatcher
		"dispatcher.queue_backend":    "memory",
		"dispatcher.reclaim_interval": 30 * time.Second,
		"dispatcher.min_idle_time":    60 * time.Second,
		"dispatcher.max_retries":      3,
		"dispatcher.dedup_backend":    "memory",

		// Registry
		"registry.cleanup_interval":  15 * time.Second,
		"registry.offline_threshold": 30 * time.Second,
		"registry.max_offline_time":  10 * time.Minute,
		"registry.heartbeat_ttl":     30 * time.Second,

		// Database (batch checkpoint store)
		"database.enabled":             false,
		"database.host":                "localhost",
		"database.port":                5432,
		"database.database":            "antcode",
		"database.username":            "postgres",
		"database.password":            "",
		"database.ssl_mode":            "disable",
		"database.max_open_conns":      10,
		"database.max_idle_conns":      2,
		"database.conn_max_lifetime":   5 * time.Minute,
		"database.conn_max_idle_time":  5 * time.Minute,
		"database.auto_migrate":        true,

		// Cache (Gateway idempotency cache)
		"cache.enabled":     true,
		"cache.driver":      "memory",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.db":          1,
		"cache.default_ttl": 10 * time.Minute,
		"cache.max_entries": 50000,

		// Rate limit
		"rate_limit.enabled":          true,
		"rate_limit.requests":         200,
		"rate_limit.window":           time.Minute,
		"rate_limit.strategy":         "sliding_window",
		"rate_limit.backend":          "memory",
		"rate_limit.burst_size":       20,
		"rate_limit.cleanup_interval": 5 * time.Minute,

		// Audit
		"audit.enabled":      true,
		"audit.backend":      "stdout",
		"audit.buffer_size":  1000,
		"audit.flush_period": 5 * time.Second,

		// Retry
		"retry.max_attempts":       5,
		"retry.initial_backoff":    200 * time.Millisecond,
		"retry.max_backoff":        30 * time.Second,
		"retry.backoff_multiplier": 2.0,

		// Report
		"report.enabled":         false,
		"report.output_dir":      "./data/reports",
		"report.formats":         []string{"pdf"},
		"report.pdf.page_size":    "A4",
		"report.pdf.orientation":  "portrait",
		"report.pdf.margin_top":   15.0,
		"report.pdf.font_family":  "Arial",
		"report.pdf.font_size":    10.0,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile loads configuration from a YAML file, preferring
// CONFIG_PATH when set.
func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

// loadEnv loads configuration from environment variables.
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// ANTCODE_GRPC_PORT -> grpc.port
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function using default loader settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}

// LoadWithBinaryDefaults loads configuration and overrides the app name
// and GRPC port with binary-specific defaults when they were not
// otherwise set.
func LoadWithBinaryDefaults(appName string, defaultGRPCPort int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.GRPC.Port == 50061 && defaultGRPCPort != 0 {
		cfg.GRPC.Port = defaultGRPCPort
	}

	if cfg.App.Name == "antcode-worker" && appName != "" {
		cfg.App.Name = appName
	}

	return cfg, nil
}

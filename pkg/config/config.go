package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for both the antcode-worker and
// antcode-master binaries. Each binary only reads the sections relevant
// to it; unused sections are simply left at their defaults.
type Config struct {
	App       AppConfig       `koanf:"app"`
	GRPC      GRPCConfig      `koanf:"grpc"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Transport TransportConfig `koanf:"transport"`
	Worker    WorkerConfig    `koanf:"worker"`
	Runtime   RuntimeConfig   `koanf:"runtime"`
	Executor  ExecutorConfig  `koanf:"executor"`
	LogPipe   LogPipeConfig   `koanf:"log_pipeline"`
	Dispatch  DispatchConfig  `koanf:"dispatcher"`
	Registry  RegistryConfig  `koanf:"registry"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	Retry     RetryConfig     `koanf:"retry"`
	Report    ReportConfig    `koanf:"report"`
}

// AppConfig holds general application identity.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// GRPCConfig configures the Gateway transport's gRPC server listener.
type GRPCConfig struct {
	Port              int             `koanf:"port"`
	AdminPort         int             `koanf:"admin_port"` // pkg/server's health/audit/rate-limit surface, distinct from the Worker-facing Gateway listener
	MaxRecvMsgSize    int             `koanf:"max_recv_msg_size"` // bytes
	MaxSendMsgSize    int             `koanf:"max_send_msg_size"` // bytes
	MaxConcurrentConn int             `koanf:"max_concurrent_conn"`
	KeepAlive         KeepAliveConfig `koanf:"keepalive"`
	TLS               TLSConfig       `koanf:"tls"`
}

// KeepAliveConfig mirrors grpc's keepalive.ServerParameters.
type KeepAliveConfig struct {
	MaxConnectionIdle     time.Duration `koanf:"max_connection_idle"`
	MaxConnectionAge      time.Duration `koanf:"max_connection_age"`
	MaxConnectionAgeGrace time.Duration `koanf:"max_connection_age_grace"`
	Time                  time.Duration `koanf:"time"`
	Timeout               time.Duration `koanf:"timeout"`
}

// TLSConfig configures mTLS for the Gateway transport.
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CAFile   string `koanf:"ca_file"`
}

// LogConfig configures service logging (slog + lumberjack rotation).
// Distinct from the per-run WAL described by LogPipeConfig.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`   // rotated log file path
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"` // number of backups retained
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// TransportConfig selects and configures the Worker's transport binding.
// Exactly one of Direct or Gateway applies, gated on Mode.
type TransportConfig struct {
	Mode           string       `koanf:"mode"` // direct, gateway
	Namespace      string       `koanf:"namespace"`
	Direct         DirectConfig `koanf:"direct"`
	GatewayAddress string       `koanf:"gateway_address"`
	GatewayAPIKey  string       `koanf:"gateway_api_key"`
}

// DirectConfig configures the Direct (Redis Streams) transport.
type DirectConfig struct {
	RedisURL          string `koanf:"redis_url"`
	PoolSize          int    `koanf:"pool_size"`
	ReadyStreamMaxLen int64  `koanf:"ready_stream_maxlen"`
	LogStreamMaxLen   int64  `koanf:"log_stream_maxlen"`
}

// WorkerConfig configures Worker process identity and limits.
type WorkerConfig struct {
	Name                string        `koanf:"name"`
	Host                string        `koanf:"host"`
	Port                int           `koanf:"port"`
	WorkerID            string        `koanf:"worker_id"`
	InstallKey          string        `koanf:"install_key"`
	MaxConcurrentTasks  int           `koanf:"max_concurrent_tasks"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	DegradedInterval    time.Duration `koanf:"degraded_interval"`
	MaxConsecutiveFail  int           `koanf:"max_consecutive_failures"`
	ReconnectBackoffMax time.Duration `koanf:"reconnect_backoff_max"`
	DataDir             string        `koanf:"data_dir"`
	IdentityFile        string        `koanf:"identity_file"`
}

// RuntimeConfig configures the Runtime Resolver.
type RuntimeConfig struct {
	VenvsDir          string        `koanf:"venvs_dir"`
	PackageManager    string        `koanf:"package_manager"` // uv, pip
	LocalInterpreters []string      `koanf:"local_interpreters"`
	BuildTimeout      time.Duration `koanf:"build_timeout"`
}

// ExecutorConfig configures the Process Executor.
type ExecutorConfig struct {
	MaxConcurrent      int           `koanf:"max_concurrent"`
	DefaultGracePeriod time.Duration `koanf:"default_grace_period"`
	MaxLogLineBytes    int           `koanf:"max_log_line_bytes"`
}

// LogPipeConfig configures the durable per-run log pipeline: WAL, spool
// and batch sender thresholds.
type LogPipeConfig struct {
	WALDir            string        `koanf:"wal_dir"`
	SpoolDir          string        `koanf:"spool_dir"`
	BatchSize         int           `koanf:"batch_size"`
	FlushInterval     time.Duration `koanf:"flush_interval"`
	MaxQueueSize      int           `koanf:"max_queue_size"`
	WarningThreshold  float64       `koanf:"warning_threshold"`
	CriticalThreshold float64       `koanf:"critical_threshold"`
	DropOnCritical    bool          `koanf:"drop_on_critical"`
	ArchiveEnabled    bool          `koanf:"archive_enabled"`
	ArchiveURLPrefix  string        `koanf:"archive_url_prefix"`
}

// DispatchConfig configures the Master Dispatcher and crawl queue.
type DispatchConfig struct {
	QueueBackend    string        `koanf:"queue_backend"` // memory, redis
	ReclaimInterval time.Duration `koanf:"reclaim_interval"`
	MinIdleTime     time.Duration `koanf:"min_idle_time"`
	MaxRetries      int           `koanf:"max_retries"`
	DedupBackend    string        `koanf:"dedup_backend"` // redis, memory
}

// RegistryConfig configures the Worker Registry.
type RegistryConfig struct {
	CleanupInterval  time.Duration `koanf:"cleanup_interval"`
	OfflineThreshold time.Duration `koanf:"offline_threshold"`
	MaxOfflineTime   time.Duration `koanf:"max_offline_time"`
	HeartbeatTTL     time.Duration `koanf:"heartbeat_ttl"`
}

// DatabaseConfig configures the optional Postgres-backed batch checkpoint
// store. Unlike the teacher, the driver is always Postgres: the crawl
// platform's task/batch database is out of scope, this section only
// backs pause/resume checkpoints.
type DatabaseConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns a Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
	)
}

// CacheConfig configures the Gateway receipt idempotency cache.
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"` // for the memory backend
}

// Address returns the cache backend address.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures per-worker rate limiting on Gateway RPCs.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the task/batch lifecycle audit trail.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"`
	FilePath        string        `koanf:"file_path"`
	BufferSize      int           `koanf:"buffer_size"`
	FlushPeriod     time.Duration `koanf:"flush_period"`
	ExcludeMethods  []string      `koanf:"exclude_methods"`
	IncludeRequest  bool          `koanf:"include_request"`
	IncludeResponse bool          `koanf:"include_response"`
}

// RetryConfig configures generic backoff used by transport reconnects.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// ReportConfig configures the batch report generator (PDF/XLSX export of
// a completed batch's task-status summary).
type ReportConfig struct {
	Enabled   bool      `koanf:"enabled"`
	OutputDir string    `koanf:"output_dir"`
	Formats   []string  `koanf:"formats"` // pdf, xlsx
	PDF       PDFConfig `koanf:"pdf"`
}

// PDFConfig configures maroto's page layout for the batch report.
type PDFConfig struct {
	PageSize    string  `koanf:"page_size"`  // A4, Letter, Legal
	Orientation string  `koanf:"orientation"` // portrait, landscape
	MarginTop   float64 `koanf:"margin_top"`  // mm
	FontFamily  string  `koanf:"font_family"`
	FontSize    float64 `koanf:"font_size"` // pt
}

// Validate checks structural invariants, including the transport-mode
// mutual-exclusion rule from the wire protocol section.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	switch c.Transport.Mode {
	case "direct":
		if c.Transport.Direct.RedisURL == "" {
			errs = append(errs, "transport.direct.redis_url is required when transport.mode=direct")
		}
		if c.Transport.GatewayAddress != "" {
			errs = append(errs, "transport.gateway_address must be empty when transport.mode=direct")
		}
	case "gateway":
		if c.Transport.GatewayAddress == "" {
			errs = append(errs, "transport.gateway_address is required when transport.mode=gateway")
		}
		if c.Transport.Direct.RedisURL != "" {
			errs = append(errs, "transport.direct.redis_url must be empty when transport.mode=gateway")
		}
	case "":
		errs = append(errs, "transport.mode is required (direct or gateway)")
	default:
		errs = append(errs, fmt.Sprintf("transport.mode must be direct or gateway, got %s", c.Transport.Mode))
	}

	if c.Worker.WorkerID == "" {
		errs = append(errs, "worker.worker_id is required")
	}

	if c.GRPC.Port < 0 || c.GRPC.Port > 65535 {
		errs = append(errs, fmt.Sprintf("grpc.port must be between 0 and 65535, got %d", c.GRPC.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the environment is development/dev.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the environment is production/prod.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}

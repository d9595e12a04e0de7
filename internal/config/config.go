// Package config loads and validates osint-shield configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// minTaskMarginSeconds is the minimum gap between the navigation timeout and
// the orchestration-level task budget.
const minTaskMarginSeconds = 5

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Sealer    SealerConfig    `mapstructure:"sealer"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	RequestTimeoutSec   int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSec  int `mapstructure:"shutdown_timeout_seconds"`
	MaxUploadBytes      int `mapstructure:"max_upload_bytes"`
	ReadHeaderTimeoutMs int `mapstructure:"read_header_timeout_ms"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	// OperatorSecret guards the operator callback endpoint.
	OperatorSecret string `mapstructure:"operator_secret"`
}

// LoggingConfig toggles zap development features and error reporting.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// QueueConfig selects the queue backend and list names.
type QueueConfig struct {
	Backend            string `mapstructure:"backend"`
	RedisURL           string `mapstructure:"redis_url"`
	TaskQueue          string `mapstructure:"task_queue"`
	ResultQueue        string `mapstructure:"result_queue"`
	PopTimeoutSec      int    `mapstructure:"pop_timeout_seconds"`
	MemoryCapacity     int    `mapstructure:"memory_capacity"`
	ReconnectInitialMs int    `mapstructure:"reconnect_initial_ms"`
	ReconnectMaxMs     int    `mapstructure:"reconnect_max_ms"`
}

// WorkerConfig governs the scrape/analyze worker.
type WorkerConfig struct {
	Instances       int    `mapstructure:"instances"`
	Capturer        string `mapstructure:"capturer"`
	UserAgent       string `mapstructure:"user_agent"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	TaskTimeoutSec  int    `mapstructure:"task_timeout_seconds"`
	NetworkIdleMs   int    `mapstructure:"network_idle_ms"`
	TextLimit       int    `mapstructure:"text_limit"`
	EvidencePrefix  string `mapstructure:"evidence_prefix"`
	ViewportWidth   int    `mapstructure:"viewport_width"`
	ViewportHeight  int    `mapstructure:"viewport_height"`
	ChromeExecPath  string `mapstructure:"chrome_exec_path"`
	RequeueOnCancel bool   `mapstructure:"requeue_on_cancel"`
	// RateLimitRPS caps captures per second per target host; 0 disables it.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// ScoringConfig points at an optional rules file.
type ScoringConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// StorageConfig selects where capture artifacts and rendered reports go.
type StorageConfig struct {
	Backend string        `mapstructure:"backend"`
	Local   LocalConfig   `mapstructure:"local"`
	Bucket  string        `mapstructure:"bucket"`
	Prefix  string        `mapstructure:"prefix"`
	S3      S3Config      `mapstructure:"s3"`
	Purge   PurgeSettings `mapstructure:"purge"`
}

// LocalConfig configures the filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// S3Config configures the S3-compatible blob store.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// PurgeSettings controls artifact removal on cascade delete.
type PurgeSettings struct {
	DeleteArtifacts bool `mapstructure:"delete_artifacts"`
}

// DBConfig controls access to the relational case store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// DispatchConfig configures the ephemeral dispatch store.
type DispatchConfig struct {
	Backend  string `mapstructure:"backend"`
	TTLSec   int    `mapstructure:"ttl_seconds"`
	IndexMax int    `mapstructure:"index_max"`
}

// SealerConfig configures forensic report generation.
type SealerConfig struct {
	EngineVersion string `mapstructure:"engine_version"`
	Renderer      string `mapstructure:"renderer"`
	GeneratedBy   string `mapstructure:"generated_by"`
	ReportPrefix  string `mapstructure:"report_prefix"`
}

// NotifyConfig selects the event publisher.
type NotifyConfig struct {
	Backend      string `mapstructure:"backend"`
	ProjectID    string `mapstructure:"project_id"`
	TopicPrefix  string `mapstructure:"topic_prefix"`
	MQTTBroker   string `mapstructure:"mqtt_broker"`
	MQTTClientID string `mapstructure:"mqtt_client_id"`
	MQTTUsername string `mapstructure:"mqtt_username"`
	MQTTPassword string `mapstructure:"mqtt_password"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// Exporter is "none" or "gcp" (Cloud Trace).
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.read_header_timeout_ms", 5000)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.operator_secret", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.environment", "development")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.task_queue", "osint_to_scan")
	v.SetDefault("queue.result_queue", "osint_results")
	v.SetDefault("queue.pop_timeout_seconds", 5)
	v.SetDefault("queue.memory_capacity", 1024)
	v.SetDefault("queue.reconnect_initial_ms", 500)
	v.SetDefault("queue.reconnect_max_ms", 5000)
	v.SetDefault("worker.instances", 1)
	v.SetDefault("worker.capturer", "headless")
	v.SetDefault("worker.user_agent", "osint-shield-bot/1.0")
	v.SetDefault("worker.nav_timeout_seconds", 30)
	v.SetDefault("worker.task_timeout_seconds", 60)
	v.SetDefault("worker.network_idle_ms", 500)
	v.SetDefault("worker.text_limit", 20000)
	v.SetDefault("worker.evidence_prefix", "screenshots")
	v.SetDefault("worker.viewport_width", 1280)
	v.SetDefault("worker.viewport_height", 800)
	v.SetDefault("worker.requeue_on_cancel", true)
	v.SetDefault("worker.rate_limit_rps", 0)
	v.SetDefault("worker.rate_limit_burst", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.purge.delete_artifacts", true)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.ensure_schema", false)
	v.SetDefault("dispatch.backend", "memory")
	v.SetDefault("dispatch.ttl_seconds", 86400)
	v.SetDefault("dispatch.index_max", 100)
	v.SetDefault("sealer.engine_version", "v1.0.3")
	v.SetDefault("sealer.renderer", "json")
	v.SetDefault("sealer.generated_by", "SYSTEM")
	v.SetDefault("sealer.report_prefix", "reports")
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.topic_prefix", "shield")
	v.SetDefault("notify.mqtt_client_id", "osint-shield")
	v.SetDefault("telemetry.service_name", "osint-shield")
	v.SetDefault("telemetry.exporter", "none")
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.TaskQueue == "" || c.Queue.ResultQueue == "" {
		return fmt.Errorf("queue.task_queue and queue.result_queue are required")
	}
	if c.Queue.TaskQueue == c.Queue.ResultQueue {
		return fmt.Errorf("queue.task_queue and queue.result_queue must differ")
	}
	if c.Queue.PopTimeoutSec <= 0 {
		return fmt.Errorf("queue.pop_timeout_seconds must be > 0")
	}
	if c.Worker.Instances <= 0 {
		return fmt.Errorf("worker.instances must be > 0")
	}
	if c.Worker.NavTimeoutSec <= 0 {
		return fmt.Errorf("worker.nav_timeout_seconds must be > 0")
	}
	if c.Worker.TaskTimeoutSec < c.Worker.NavTimeoutSec+minTaskMarginSeconds {
		return fmt.Errorf("worker.task_timeout_seconds must exceed worker.nav_timeout_seconds by at least %ds", minTaskMarginSeconds)
	}
	if c.Worker.Capturer != "headless" && c.Worker.Capturer != "static" {
		return fmt.Errorf("worker.capturer %q is not supported", c.Worker.Capturer)
	}
	if c.Worker.TextLimit <= 0 {
		return fmt.Errorf("worker.text_limit must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.endpoint and storage.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Dispatch.Backend != "memory" && c.Dispatch.Backend != "redis" {
		return fmt.Errorf("dispatch.backend %q is not supported", c.Dispatch.Backend)
	}
	if c.Dispatch.TTLSec <= 0 {
		return fmt.Errorf("dispatch.ttl_seconds must be > 0")
	}
	if c.Dispatch.IndexMax <= 0 {
		return fmt.Errorf("dispatch.index_max must be > 0")
	}
	if c.Sealer.Renderer != "json" && c.Sealer.Renderer != "pdf" {
		return fmt.Errorf("sealer.renderer %q is not supported", c.Sealer.Renderer)
	}
	switch c.Notify.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" {
			return fmt.Errorf("notify.project_id must be set for the pubsub backend")
		}
	case "mqtt":
		if c.Notify.MQTTBroker == "" {
			return fmt.Errorf("notify.mqtt_broker must be set for the mqtt backend")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	switch c.Telemetry.Exporter {
	case "none":
	case "gcp":
		if c.Telemetry.ProjectID == "" {
			return fmt.Errorf("telemetry.project_id must be set for the gcp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter %q is not supported", c.Telemetry.Exporter)
	}
	return nil
}

// NavTimeout returns the per-task navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Worker.NavTimeoutSec) * time.Second
}

// TaskBudget returns the orchestration-level wall-clock budget per task.
func (c Config) TaskBudget() time.Duration {
	return time.Duration(c.Worker.TaskTimeoutSec) * time.Second
}

// PopTimeout returns the blocking pop timeout shared by both loops.
func (c Config) PopTimeout() time.Duration {
	return time.Duration(c.Queue.PopTimeoutSec) * time.Second
}

// DispatchTTL returns the lifetime of dispatch records and their index.
func (c Config) DispatchTTL() time.Duration {
	return time.Duration(c.Dispatch.TTLSec) * time.Second
}

// ReconnectBackoff returns the initial and maximum reconnect delays.
func (c Config) ReconnectBackoff() (initial, maxDelay time.Duration) {
	return time.Duration(c.Queue.ReconnectInitialMs) * time.Millisecond,
		time.Duration(c.Queue.ReconnectMaxMs) * time.Millisecond
}

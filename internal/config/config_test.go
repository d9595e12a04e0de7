package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.TaskQueue != "osint_to_scan" || cfg.Queue.ResultQueue != "osint_results" {
		t.Fatalf("unexpected queue names %q/%q", cfg.Queue.TaskQueue, cfg.Queue.ResultQueue)
	}
	if cfg.Dispatch.IndexMax != 100 {
		t.Fatalf("expected dispatch index max 100, got %d", cfg.Dispatch.IndexMax)
	}
	if got := cfg.DispatchTTL(); got != 24*time.Hour {
		t.Fatalf("expected dispatch ttl 24h, got %v", got)
	}
	initial, maxDelay := cfg.ReconnectBackoff()
	if initial != 500*time.Millisecond || maxDelay != 5*time.Second {
		t.Fatalf("unexpected backoff %v/%v", initial, maxDelay)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
  operator_secret: op-secret
queue:
  backend: redis
  redis_url: redis://cache:6379/1
  pop_timeout_seconds: 2
worker:
  instances: 3
  capturer: static
  nav_timeout_seconds: 20
  task_timeout_seconds: 45
storage:
  backend: s3
  s3:
    endpoint: minio:9000
    bucket: evidence
dispatch:
  backend: redis
  ttl_seconds: 600
sealer:
  renderer: pdf
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Auth.OperatorSecret != "op-secret" {
		t.Fatalf("expected operator secret override")
	}
	if cfg.Queue.Backend != "redis" || cfg.PopTimeout() != 2*time.Second {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.Worker.Instances != 3 || cfg.Worker.Capturer != "static" {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.TaskBudget() != 45*time.Second || cfg.NavTimeout() != 20*time.Second {
		t.Fatalf("unexpected budgets %v/%v", cfg.TaskBudget(), cfg.NavTimeout())
	}
	if cfg.Storage.S3.Bucket != "evidence" || cfg.Sealer.Renderer != "pdf" {
		t.Fatalf("expected storage/sealer overrides: %+v %+v", cfg.Storage, cfg.Sealer)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown queue backend", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, want: "queue.backend"},
		{
			name:   "same queue names",
			mutate: func(c *Config) { c.Queue.ResultQueue = c.Queue.TaskQueue },
			want:   "must differ",
		},
		{
			name: "task budget too tight",
			mutate: func(c *Config) {
				c.Worker.NavTimeoutSec = 30
				c.Worker.TaskTimeoutSec = 32
			},
			want: "worker.task_timeout_seconds",
		},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "bad renderer", mutate: func(c *Config) { c.Sealer.Renderer = "docx" }, want: "sealer.renderer"},
		{name: "mqtt without broker", mutate: func(c *Config) { c.Notify.Backend = "mqtt" }, want: "notify.mqtt_broker"},
		{name: "gcp trace without project", mutate: func(c *Config) { c.Telemetry.Exporter = "gcp" }, want: "telemetry.project_id"},
		{name: "zero dispatch ttl", mutate: func(c *Config) { c.Dispatch.TTLSec = 0 }, want: "dispatch.ttl_seconds"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Access   AccessConfig   `mapstructure:"access"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// APIKeyEntry maps one API key to an account and its plan.
type APIKeyEntry struct {
	AccountID string `mapstructure:"account_id"`
	Plan      string `mapstructure:"plan"`
}

// AuthConfig defines how callers are classified. When Required is set,
// anonymous submissions are rejected with 401 instead of being admitted
// under the IP quota.
type AuthConfig struct {
	Required bool                   `mapstructure:"required"`
	APIKeys  map[string]APIKeyEntry `mapstructure:"api_keys"`
}

// LimitsConfig sets per-class admission quotas.
type LimitsConfig struct {
	AnonymousPerDay int `mapstructure:"anonymous_per_day"`
	FreePerWeek     int `mapstructure:"free_per_week"`
}

// QueueConfig controls the in-process job queue.
type QueueConfig struct {
	Depth int `mapstructure:"depth"`
}

// WorkerConfig governs the worker pool and per-job execution.
type WorkerConfig struct {
	Concurrency          int `mapstructure:"concurrency"`
	JobDeadlineSeconds   int `mapstructure:"job_deadline_seconds"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
	MaxRetries           int `mapstructure:"max_retries"`
	BackoffInitialMs     int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int `mapstructure:"backoff_max_ms"`
}

// AccessConfig sets the anonymous grace windows for IP churn.
type AccessConfig struct {
	StatusGraceMinutes int `mapstructure:"status_grace_minutes"`
	ReportGraceHours   int `mapstructure:"report_grace_hours"`
}

// RecoveryConfig controls the stale-job sweep.
type RecoveryConfig struct {
	IntervalSeconds    int `mapstructure:"interval_seconds"`
	StaleQueuedSeconds int `mapstructure:"stale_queued_seconds"`
	MaxRequeues        int `mapstructure:"max_requeues"`
}

// DBConfig controls access to Postgres. An empty DSN selects the
// in-memory job store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig controls the durable rate-limit ledger. An empty Addr
// selects the in-memory ledger.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for lifecycle event publishing. Empty
// project or topic selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AnalyzerConfig points at the external design-analysis service.
type AnalyzerConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITELENS")
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
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("auth.required", false)
	v.SetDefault("limits.anonymous_per_day", 1)
	v.SetDefault("limits.free_per_week", 5)
	v.SetDefault("queue.depth", 256)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.job_deadline_seconds", 300)
	v.SetDefault("worker.shutdown_grace_seconds", 30)
	v.SetDefault("worker.max_retries", 2)
	v.SetDefault("worker.backoff_initial_ms", 500)
	v.SetDefault("worker.backoff_max_ms", 10000)
	v.SetDefault("access.status_grace_minutes", 60)
	v.SetDefault("access.report_grace_hours", 24)
	v.SetDefault("recovery.interval_seconds", 60)
	v.SetDefault("recovery.stale_queued_seconds", 120)
	v.SetDefault("recovery.max_requeues", 1)
	v.SetDefault("analyzer.timeout_seconds", 20)
	v.SetDefault("analyzer.poll_interval_ms", 2000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.JobDeadlineSeconds <= 0 {
		return fmt.Errorf("worker.job_deadline_seconds must be > 0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Limits.AnonymousPerDay <= 0 {
		return fmt.Errorf("limits.anonymous_per_day must be > 0")
	}
	if c.Limits.FreePerWeek <= 0 {
		return fmt.Errorf("limits.free_per_week must be > 0")
	}
	if c.Auth.Required && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is required")
	}
	if c.Recovery.IntervalSeconds <= 0 {
		return fmt.Errorf("recovery.interval_seconds must be > 0")
	}
	return nil
}

// JobDeadline returns the per-job hard wall-clock deadline.
func (c Config) JobDeadline() time.Duration {
	return time.Duration(c.Worker.JobDeadlineSeconds) * time.Second
}

// ShutdownGrace returns how long in-flight jobs get on shutdown.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Worker.ShutdownGraceSeconds) * time.Second
}

// StatusGrace returns the anonymous status-view grace window.
func (c Config) StatusGrace() time.Duration {
	return time.Duration(c.Access.StatusGraceMinutes) * time.Minute
}

// ReportGrace returns the anonymous finished-report grace window.
func (c Config) ReportGrace() time.Duration {
	return time.Duration(c.Access.ReportGraceHours) * time.Hour
}

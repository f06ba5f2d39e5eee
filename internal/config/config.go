// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Database struct {
	Driver          string        `mapstructure:"driver"` // postgres | sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ItemsTable      string        `mapstructure:"items_table"`
	HeartbeatTable  string        `mapstructure:"heartbeat_table"`
}

type Lake struct {
	RootDir    string `mapstructure:"root_dir"`
	Gzip       bool   `mapstructure:"gzip"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	MirrorToS3 bool   `mapstructure:"mirror_to_s3"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Runner struct {
	MaxWorkers         int           `mapstructure:"max_workers"`
	LeaseSeconds       int           `mapstructure:"lease_seconds"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	MaxItems           int           `mapstructure:"max_items"` // 0 = unlimited
	StopAfter          int           `mapstructure:"stop_after"`
	MaxRetries         int           `mapstructure:"max_retries"`
	EnableDiscovery    bool          `mapstructure:"enable_discovery"`
	SourceFilter       string        `mapstructure:"source_filter"`
	Backoff            Backoff       `mapstructure:"backoff"`
	RespectRetryAfter  bool          `mapstructure:"respect_retry_after"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	IdlePollInterval   time.Duration `mapstructure:"idle_poll_interval"`
	PausePollInterval  time.Duration `mapstructure:"pause_poll_interval"`
	RecoverySweep      time.Duration `mapstructure:"recovery_sweep_interval"`
}

type Seeder struct {
	ManifestPath string   `mapstructure:"manifest_path"`
	IncludeGlobs []string `mapstructure:"include_globs"`
	ExcludeGlobs []string `mapstructure:"exclude_globs"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type AdminAPI struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type Events struct {
	Enabled    bool   `mapstructure:"enabled"`
	NATSURL    string `mapstructure:"nats_url"`
	Subject    string `mapstructure:"subject"`
}

type Archive struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Database string        `mapstructure:"database"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Interval time.Duration `mapstructure:"interval"`
}

type LLMJob struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

type Config struct {
	Database       Database       `mapstructure:"database"`
	Lake           Lake           `mapstructure:"lake"`
	Runner         Runner         `mapstructure:"runner"`
	Seeder         Seeder         `mapstructure:"seeder"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	AdminAPI       AdminAPI       `mapstructure:"admin_api"`
	Events         Events         `mapstructure:"events"`
	Archive        Archive        `mapstructure:"archive"`
	LLMJob         LLMJob         `mapstructure:"llm_job"`
}

// Observability is a backwards-compatible alias matching the teacher's naming.
type Observability = ObservabilityConfig

func defaultConfig() *Config {
	return &Config{
		Database: Database{
			Driver:          "postgres",
			DSN:             "postgres://localhost:5432/ingest?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			ItemsTable:      "work_items",
			HeartbeatTable:  "worker_heartbeats",
		},
		Lake: Lake{
			RootDir: "./data/lake",
			Gzip:    true,
		},
		Runner: Runner{
			MaxWorkers:        4,
			LeaseSeconds:      300,
			HeartbeatInterval: 30 * time.Second,
			BatchSize:         10,
			MaxRetries:        3,
			EnableDiscovery:   true,
			Backoff:           Backoff{Base: 2 * time.Second, Max: 300 * time.Second},
			RespectRetryAfter: true,
			RequestsPerSecond: 0,
			IdlePollInterval:  time.Second,
			PausePollInterval: time.Second,
			RecoverySweep:     30 * time.Second,
		},
		Seeder: Seeder{
			IncludeGlobs: []string{"**/*"},
			ExcludeGlobs: []string{},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
		AdminAPI: AdminAPI{Enabled: true, Addr: ":8089"},
		Events:   Events{Enabled: false, Subject: "ingest.lifecycle"},
		Archive:  Archive{Enabled: false, Interval: time.Hour},
		LLMJob: LLMJob{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
			Timeout: 120 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file with env overrides, following
// the same viper-layered approach as the teacher's config loader.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)
	v.SetDefault("database.items_table", def.Database.ItemsTable)
	v.SetDefault("database.heartbeat_table", def.Database.HeartbeatTable)

	v.SetDefault("lake.root_dir", def.Lake.RootDir)
	v.SetDefault("lake.gzip", def.Lake.Gzip)

	v.SetDefault("runner.max_workers", def.Runner.MaxWorkers)
	v.SetDefault("runner.lease_seconds", def.Runner.LeaseSeconds)
	v.SetDefault("runner.heartbeat_interval", def.Runner.HeartbeatInterval)
	v.SetDefault("runner.batch_size", def.Runner.BatchSize)
	v.SetDefault("runner.max_retries", def.Runner.MaxRetries)
	v.SetDefault("runner.enable_discovery", def.Runner.EnableDiscovery)
	v.SetDefault("runner.backoff.base", def.Runner.Backoff.Base)
	v.SetDefault("runner.backoff.max", def.Runner.Backoff.Max)
	v.SetDefault("runner.respect_retry_after", def.Runner.RespectRetryAfter)
	v.SetDefault("runner.requests_per_second", def.Runner.RequestsPerSecond)
	v.SetDefault("runner.idle_poll_interval", def.Runner.IdlePollInterval)
	v.SetDefault("runner.pause_poll_interval", def.Runner.PausePollInterval)
	v.SetDefault("runner.recovery_sweep_interval", def.Runner.RecoverySweep)

	v.SetDefault("seeder.include_globs", def.Seeder.IncludeGlobs)
	v.SetDefault("seeder.exclude_globs", def.Seeder.ExcludeGlobs)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("admin_api.enabled", def.AdminAPI.Enabled)
	v.SetDefault("admin_api.addr", def.AdminAPI.Addr)

	v.SetDefault("events.enabled", def.Events.Enabled)
	v.SetDefault("events.subject", def.Events.Subject)

	v.SetDefault("archive.enabled", def.Archive.Enabled)
	v.SetDefault("archive.interval", def.Archive.Interval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Runner.MaxWorkers < 0 {
		return fmt.Errorf("runner.max_workers must be >= 0")
	}
	if cfg.Runner.LeaseSeconds <= 0 {
		return fmt.Errorf("runner.lease_seconds must be > 0")
	}
	if cfg.Runner.RequestsPerSecond < 0 {
		return fmt.Errorf("runner.requests_per_second must be >= 0")
	}
	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be postgres or sqlite")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

// Package config loads the monitoring service's configuration from an
// optional YAML file overlaid with environment variables, following
// the same godotenv + envdecode pipeline used across this codebase.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host              string `json:"host" env:"SERVER_HOST"`
	Port              int    `json:"port" env:"SERVER_PORT"`
	RequestTimeoutMs  int    `json:"request_timeout_ms" mapstructure:"request_timeout_ms" env:"SERVER_REQUEST_TIMEOUT_MS"`
	MaxBodyBytes      int64  `json:"max_body_bytes" mapstructure:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
	ShutdownDrainSecs int    `json:"shutdown_drain_seconds" mapstructure:"shutdown_drain_seconds" env:"SERVER_SHUTDOWN_DRAIN_SECONDS"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" mapstructure:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// RedisConfig connects the velocity counter and the Redis Streams
// outbox backend to the same cluster.
type RedisConfig struct {
	Addr         string `json:"addr" env:"REDIS_ADDR"`
	Password     string `json:"password" env:"REDIS_PASSWORD"`
	DB           int    `json:"db" env:"REDIS_DB"`
	PoolSize     int    `json:"pool_size" mapstructure:"pool_size" env:"REDIS_POOL_SIZE"`
	DialTimeoutMs int   `json:"dial_timeout_ms" mapstructure:"dial_timeout_ms" env:"REDIS_DIAL_TIMEOUT_MS"`
}

// BlobConfig points the artifact loader at an S3-compatible bucket.
type BlobConfig struct {
	Bucket          string `json:"bucket" env:"BLOB_BUCKET"`
	Prefix          string `json:"prefix" env:"BLOB_PREFIX"`
	Env             string `json:"env" env:"BLOB_ENV"`
	Region          string `json:"region" env:"BLOB_REGION"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id" env:"BLOB_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key" env:"BLOB_SECRET_ACCESS_KEY"`
	Endpoint        string `json:"endpoint" env:"BLOB_ENDPOINT"`
}

// ReloadConfig drives the hot-reload coordinator.
type ReloadConfig struct {
	PollIntervalSeconds int      `json:"poll_interval_seconds" mapstructure:"poll_interval_seconds" env:"POLL_INTERVAL_SECONDS"`
	RequiredRulesetKeys []string `json:"required_ruleset_keys" mapstructure:"required_ruleset_keys" env:"REQUIRED_RULESET_KEYS"`
	DefaultRulesetKey   string   `json:"default_ruleset_key" mapstructure:"default_ruleset_key" env:"DEFAULT_RULESET_KEY"`
}

// VelocityConfig sets the process-wide velocity defaults substituted
// when a rule's own config omits them.
type VelocityConfig struct {
	DefaultWindowSeconds int `json:"default_window_seconds" mapstructure:"default_window_seconds" env:"VELOCITY_DEFAULT_WINDOW_SECONDS"`
	DefaultThreshold     int `json:"default_threshold" mapstructure:"default_threshold" env:"VELOCITY_DEFAULT_THRESHOLD"`
	DeadlineMs           int `json:"deadline_ms" mapstructure:"deadline_ms" env:"VELOCITY_DEADLINE_MS"`
}

// DebugConfig controls per-condition capture in the rule evaluator.
type DebugConfig struct {
	Enabled                 bool `json:"enabled" env:"DEBUG_ENABLED"`
	SampleRate              int  `json:"sample_rate" mapstructure:"sample_rate" env:"DEBUG_SAMPLE_RATE"`
	IncludeFieldValues      bool `json:"include_field_values" mapstructure:"include_field_values" env:"DEBUG_INCLUDE_FIELD_VALUES"`
	MaxConditionEvaluations int  `json:"max_condition_evaluations" mapstructure:"max_condition_evaluations" env:"DEBUG_MAX_CONDITION_EVALUATIONS"`
}

// LoadSheddingConfig bounds the admission controller's concurrency.
type LoadSheddingConfig struct {
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent" env:"LOAD_SHEDDING_MAX_CONCURRENT"`
}

// OutboxConfig selects and tunes the durable queue backend.
type OutboxConfig struct {
	Backend               string `json:"backend" env:"OUTBOX_BACKEND"` // "memory" or "redis-stream"
	StreamKey             string `json:"stream_key" mapstructure:"stream_key" env:"OUTBOX_STREAM_KEY"`
	ConsumerGroup         string `json:"consumer_group" mapstructure:"consumer_group" env:"OUTBOX_CONSUMER_GROUP"`
	ConsumerName          string `json:"consumer_name" mapstructure:"consumer_name" env:"OUTBOX_CONSUMER_NAME"`
	BatchSize             int    `json:"batch_size" mapstructure:"batch_size" env:"OUTBOX_BATCH_SIZE"`
	BlockMs               int    `json:"block_ms" mapstructure:"block_ms" env:"OUTBOX_BLOCK_MS"`
	ClaimIdleAfterSeconds int    `json:"claim_idle_after_seconds" mapstructure:"claim_idle_after_seconds" env:"OUTBOX_CLAIM_IDLE_AFTER_SECONDS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig        `json:"server"`
	Logging      LoggingConfig       `json:"logging"`
	Redis        RedisConfig         `json:"redis"`
	Blob         BlobConfig          `json:"blob"`
	Reload       ReloadConfig        `json:"reload"`
	Velocity     VelocityConfig      `json:"velocity"`
	Debug        DebugConfig         `json:"debug"`
	LoadShedding LoadSheddingConfig  `json:"load_shedding" mapstructure:"load_shedding"`
	Outbox       OutboxConfig        `json:"outbox"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			RequestTimeoutMs:  100,
			MaxBodyBytes:      1 << 20,
			ShutdownDrainSecs: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePrefix: "monitor",
		},
		Redis: RedisConfig{
			Addr:          "127.0.0.1:6379",
			PoolSize:      64,
			DialTimeoutMs: 200,
		},
		Blob: BlobConfig{
			Prefix: "artifacts",
			Env:    "production",
			Region: "us-east-1",
		},
		Reload: ReloadConfig{
			PollIntervalSeconds: 30,
			RequiredRulesetKeys: []string{"CARD_MONITORING"},
			DefaultRulesetKey:   "CARD_MONITORING",
		},
		Velocity: VelocityConfig{
			DefaultWindowSeconds: 3600,
			DefaultThreshold:     10,
			DeadlineMs:           50,
		},
		Debug: DebugConfig{
			MaxConditionEvaluations: 100,
		},
		LoadShedding: LoadSheddingConfig{
			MaxConcurrent: 512,
		},
		Outbox: OutboxConfig{
			Backend:               "memory",
			StreamKey:             "monitor:outbox",
			ConsumerGroup:         "monitor-evaluators",
			ConsumerName:          "evaluator-1",
			BatchSize:             50,
			BlockMs:               1000,
			ClaimIdleAfterSeconds: 30,
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Package config loads service settings from environment variables layered
// over defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "ETL_"

// Config holds all service settings.
type Config struct {
	HTTPAddr        string        `koanf:"http_addr"`
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	WorkDir         string        `koanf:"work_dir"`

	// Pipeline behavior.
	Concurrency   int           `koanf:"concurrency"`
	RetryAttempts int           `koanf:"retry_attempts"`
	RetryDelay    time.Duration `koanf:"retry_delay"`

	// Artifact object store.
	S3Region   string `koanf:"s3_region"`
	S3Endpoint string `koanf:"s3_endpoint"`
	S3Bucket   string `koanf:"s3_bucket"`

	// Warehouse.
	DuckDBPath string `koanf:"duckdb_path"`

	// TfL open data.
	TfLBucketURL string `koanf:"tfl_bucket_url"`
	TfLAPIURL    string `koanf:"tfl_api_url"`

	// CEDA archive.
	CEDABaseURL string `koanf:"ceda_base_url"`
	CEDAVersion string `koanf:"ceda_version"`
	CEDASession string `koanf:"ceda_session"`

	// Optional load event publishing.
	KafkaEnabled bool   `koanf:"kafka_enabled"`
	KafkaBrokers string `koanf:"kafka_brokers"`
	KafkaTopic   string `koanf:"kafka_topic"`
}

// Brokers splits the comma-separated broker list.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Load reads configuration, applying defaults where unset. Every setting can
// be overridden by an ETL_-prefixed environment variable, e.g.
// ETL_S3_BUCKET.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"http_addr":        ":8080",
		"log_level":        "info",
		"log_format":       "json",
		"shutdown_timeout": "30s",
		"work_dir":         "/tmp/cycling-data-etl",
		"concurrency":      1,
		"retry_attempts":   3,
		"retry_delay":      "2s",
		"s3_region":        "eu-west-2",
		"s3_bucket":        "cycling-data-artifacts",
		"duckdb_path":      "cycling.duckdb",
		"kafka_enabled":    false,
		"kafka_brokers":    "localhost:9092",
		"kafka_topic":      "partition-loads",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.S3Bucket == "" {
		return errors.New("ETL_S3_BUCKET is required")
	}
	if c.DuckDBPath == "" {
		return errors.New("ETL_DUCKDB_PATH is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("ETL_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("ETL_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryDelay <= 0 {
		return errors.New("ETL_RETRY_DELAY must be positive")
	}
	if c.KafkaEnabled {
		if len(c.Brokers()) == 0 {
			return errors.New("ETL_KAFKA_BROKERS is required when kafka is enabled")
		}
		if c.KafkaTopic == "" {
			return errors.New("ETL_KAFKA_TOPIC is required when kafka is enabled")
		}
	}
	return nil
}

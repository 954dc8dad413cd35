package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, "cycling-data-artifacts", cfg.S3Bucket)
	assert.False(t, cfg.KafkaEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ETL_S3_BUCKET", "staging-artifacts")
	t.Setenv("ETL_CONCURRENCY", "4")
	t.Setenv("ETL_RETRY_DELAY", "500ms")
	t.Setenv("ETL_LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "staging-artifacts", cfg.S3Bucket)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	t.Setenv("ETL_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETL_CONCURRENCY")
}

func TestLoadRejectsEmptyBucket(t *testing.T) {
	t.Setenv("ETL_S3_BUCKET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETL_S3_BUCKET")
}

func TestKafkaValidation(t *testing.T) {
	t.Setenv("ETL_KAFKA_ENABLED", "true")
	t.Setenv("ETL_KAFKA_TOPIC", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETL_KAFKA_TOPIC")
}

func TestBrokersSplitsAndTrims(t *testing.T) {
	cfg := &Config{KafkaBrokers: "broker-1:9092, broker-2:9092 ,"}
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Brokers())
}

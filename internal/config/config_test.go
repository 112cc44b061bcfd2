package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_DefaultsNeedMatchingURL(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("MATCHING_BASE_URL", "")

	_, err := LoadServerConfig()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCHING_BASE_URL")
}

func TestLoadServerConfig_EnvOverrides(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("MATCHING_BASE_URL", "http://engine:8000")
	t.Setenv("MATCHING_TIMEOUT", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SCHEDULER_CATCH_UP", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()

	require.NoError(t, err)
	assert.Equal(t, "http://engine:8000", cfg.MatchingBaseURL)
	assert.Equal(t, 5*time.Second, cfg.MatchingTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.SchedulerCatchUp)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadServerConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
matching_base_url: "http://from-file"
deadline_reminder_lead: 2h
scheduler_workers: 8
`), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("MATCHING_BASE_URL", "")
	t.Setenv("SCHEDULER_WORKERS", "2")

	cfg, err := LoadServerConfig()

	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "http://from-file", cfg.MatchingBaseURL)
	assert.Equal(t, 2*time.Hour, cfg.DeadlineReminderLead)
	assert.Equal(t, 2, cfg.SchedulerWorkers)
	assert.Equal(t, 30*time.Second, cfg.MatchingTimeout)
}

func TestLoadServerConfig_JoinsErrors(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("MATCHING_BASE_URL", "http://engine")
	t.Setenv("MATCHING_TIMEOUT", "soon")
	t.Setenv("MATCHING_RETRIES", "3")
	t.Setenv("MIGRATE", "maybe")

	_, err := LoadServerConfig()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid MATCHING_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCHING_RETRIES must be 0 or 1")
	assert.Contains(t, err.Error(), "invalid MIGRATE")
}

func TestLoadServerConfig_BadFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MATCHING_BASE_URL", "http://engine")

	_, err := LoadServerConfig()

	assert.Error(t, err)
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DEDUPE_TTL", "1m")

	cfg, err := LoadConsumerConfig()

	require.NoError(t, err)
	assert.Equal(t, "carpool-notify-consumer", cfg.KafkaGroup)
	assert.Equal(t, time.Minute, cfg.DedupeTTL)
	assert.Equal(t, 50, cfg.InboxLen)
}

func TestLoadConsumerConfig_RequiresBrokersAndRedis(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("REDIS_ADDR", "")

	_, err := LoadConsumerConfig()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a ,, b "))
	assert.Empty(t, splitAndTrim(""))
}

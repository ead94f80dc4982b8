package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.BrokerURL)
	assert.Equal(t, cfg.BrokerURL, cfg.ResultBackendURL)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 1, cfg.WorkerPrefetchMultiplier)
	assert.Equal(t, 1000, cfg.WorkerMaxTasksPerChild)
	assert.True(t, cfg.TaskAcksLate)
	assert.True(t, cfg.TaskRejectOnWorkerLost)
	assert.Equal(t, 3, cfg.TaskMaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.ResultExpires)
	assert.Equal(t, 60*time.Second, cfg.RetryBaseDelay)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://broker:6379/1")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_PREFETCH_MULTIPLIER", "4")
	t.Setenv("TASK_ACKS_LATE", "false")
	t.Setenv("RESULT_EXPIRES_SECONDS", "3600")
	t.Setenv("TASK_DEFAULT_RETRY_DELAY_SECONDS", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://broker:6379/1", cfg.BrokerURL)
	assert.Equal(t, "redis://broker:6379/1", cfg.ResultBackendURL, "result backend defaults to broker")
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 32, cfg.PrefetchLimit())
	assert.False(t, cfg.TaskAcksLate)
	assert.Equal(t, time.Hour, cfg.ResultExpires)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
}

func TestLoad_BrokerURLWinsOverRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://legacy:6379/0")
	t.Setenv("BROKER_URL", "redis://broker:6379/0")
	t.Setenv("RESULT_BACKEND_URL", "redis://results:6379/2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://broker:6379/0", cfg.BrokerURL)
	assert.Equal(t, "redis://results:6379/2", cfg.ResultBackendURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non numeric concurrency", "WORKER_CONCURRENCY", "many"},
		{"zero concurrency", "WORKER_CONCURRENCY", "0"},
		{"zero prefetch", "WORKER_PREFETCH_MULTIPLIER", "0"},
		{"bad bool", "TASK_ACKS_LATE", "maybe"},
		{"negative retries", "TASK_MAX_RETRIES", "-1"},
		{"bad expiry", "RESULT_EXPIRES_SECONDS", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// Package config loads the worker and API configuration from the environment.
//
// The configuration is read once at process start and passed explicitly to the
// transport, result backend, engine and client constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	// BrokerURL is the Redis URL carrying invocations (e.g. redis://localhost:6379/0).
	BrokerURL string
	// ResultBackendURL is the Redis URL storing results. Defaults to BrokerURL.
	ResultBackendURL string
	// Queue is the queue the worker consumes and the client publishes to.
	Queue string
	// Namespace prefixes every Redis key.
	Namespace string

	WorkerConcurrency        int
	WorkerPrefetchMultiplier int
	WorkerMaxTasksPerChild   int

	TaskAcksLate           bool
	TaskRejectOnWorkerLost bool
	TaskMaxRetries         int

	// ResultExpires is how long a terminal result stays readable.
	ResultExpires time.Duration
	// VisibilityTimeout hides a delivered message from other consumers.
	VisibilityTimeout time.Duration
	// RetryBaseDelay and RetryMaxDelay bound the exponential retry backoff.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	MetricsAddr string
	APIAddr     string
	APIKey      string

	LogLevel string
	AppEnv   string
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		BrokerURL:                "redis://localhost:6379/0",
		ResultBackendURL:         "redis://localhost:6379/0",
		Queue:                    "default",
		Namespace:                "taskworker",
		WorkerConcurrency:        4,
		WorkerPrefetchMultiplier: 1,
		WorkerMaxTasksPerChild:   1000,
		TaskAcksLate:             true,
		TaskRejectOnWorkerLost:   true,
		TaskMaxRetries:           3,
		ResultExpires:            24 * time.Hour,
		VisibilityTimeout:        time.Hour,
		RetryBaseDelay:           60 * time.Second,
		RetryMaxDelay:            time.Hour,
		MetricsAddr:              ":8080",
		APIAddr:                  ":8081",
		LogLevel:                 "info",
	}
}

// Load reads the configuration from the environment on top of Default.
func Load() (*Config, error) {
	cfg := Default()
	var errs []error

	cfg.BrokerURL = getEnv("BROKER_URL", getEnv("REDIS_URL", cfg.BrokerURL))
	cfg.ResultBackendURL = getEnv("RESULT_BACKEND_URL", cfg.BrokerURL)
	cfg.Queue = getEnv("TASK_QUEUE", cfg.Queue)
	cfg.Namespace = getEnv("KEY_NAMESPACE", cfg.Namespace)

	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency, &errs)
	cfg.WorkerPrefetchMultiplier = getEnvInt("WORKER_PREFETCH_MULTIPLIER", cfg.WorkerPrefetchMultiplier, &errs)
	cfg.WorkerMaxTasksPerChild = getEnvInt("WORKER_MAX_TASKS_PER_CHILD", cfg.WorkerMaxTasksPerChild, &errs)

	cfg.TaskAcksLate = getEnvBool("TASK_ACKS_LATE", cfg.TaskAcksLate, &errs)
	cfg.TaskRejectOnWorkerLost = getEnvBool("TASK_REJECT_ON_WORKER_LOST", cfg.TaskRejectOnWorkerLost, &errs)
	cfg.TaskMaxRetries = getEnvInt("TASK_MAX_RETRIES", cfg.TaskMaxRetries, &errs)

	cfg.ResultExpires = getEnvSeconds("RESULT_EXPIRES_SECONDS", cfg.ResultExpires, &errs)
	cfg.VisibilityTimeout = getEnvSeconds("VISIBILITY_TIMEOUT_SECONDS", cfg.VisibilityTimeout, &errs)
	cfg.RetryBaseDelay = getEnvSeconds("TASK_DEFAULT_RETRY_DELAY_SECONDS", cfg.RetryBaseDelay, &errs)
	cfg.RetryMaxDelay = getEnvSeconds("TASK_MAX_RETRY_DELAY_SECONDS", cfg.RetryMaxDelay, &errs)

	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.APIKey = getEnv("API_KEY", "")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AppEnv = getEnv("APP_ENV", "")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.BrokerURL == "" {
		errs = append(errs, errors.New("broker url is required"))
	}
	if c.Queue == "" {
		errs = append(errs, errors.New("queue name is required"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("worker concurrency must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.WorkerPrefetchMultiplier < 1 {
		errs = append(errs, fmt.Errorf("worker prefetch multiplier must be >= 1, got %d", c.WorkerPrefetchMultiplier))
	}
	if c.WorkerMaxTasksPerChild < 1 {
		errs = append(errs, fmt.Errorf("worker max tasks per child must be >= 1, got %d", c.WorkerMaxTasksPerChild))
	}
	if c.TaskMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("task max retries must be >= 0, got %d", c.TaskMaxRetries))
	}
	if c.ResultExpires <= 0 {
		errs = append(errs, errors.New("result expiry must be positive"))
	}
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("visibility timeout must be positive"))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("invalid retry delays: base %s, max %s", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	return errors.Join(errs...)
}

// PrefetchLimit is the maximum number of deliveries a worker holds at once.
func (c *Config) PrefetchLimit() int {
	return c.WorkerConcurrency * c.WorkerPrefetchMultiplier
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return i
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getEnvSeconds(key string, fallback time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

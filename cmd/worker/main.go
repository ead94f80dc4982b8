// Package main implements the worker process.
// The worker consumes invocations from the broker, runs the registered
// handlers on a bounded pool of slots and records results.
//
// Features:
//   - Concurrent task processing with graceful shutdown
//   - Prometheus metrics exposed on METRICS_ADDR (/metrics)
//   - Retry with exponential backoff and a dead letter list
//   - Redelivery of messages held by crashed workers after the visibility timeout
//
// Usage:
//
//	go run ./cmd/worker
//
// Configuration is read from the environment (see pkg/config).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/backend"
	"github.com/guido-cesarano/taskworker/pkg/config"
	"github.com/guido-cesarano/taskworker/pkg/handlers"
	"github.com/guido-cesarano/taskworker/pkg/logger"
	"github.com/guido-cesarano/taskworker/pkg/queue"
	"github.com/guido-cesarano/taskworker/pkg/ratelimit"
	"github.com/guido-cesarano/taskworker/pkg/registry"
	"github.com/guido-cesarano/taskworker/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.Configure(cfg.LogLevel, cfg.AppEnv)

	broker, err := queue.Connect(cfg.BrokerURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid broker URL")
	}
	defer broker.Close()

	results, err := queue.Connect(cfg.ResultBackendURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid result backend URL")
	}
	defer results.Close()

	transport := queue.New(broker, cfg.Queue, queue.WithNamespace(cfg.Namespace))
	store := backend.New(results,
		backend.WithNamespace(cfg.Namespace),
		backend.WithExpires(cfg.ResultExpires),
	)

	reg := registry.New(cfg.TaskMaxRetries)
	demo := handlers.NewDemo()
	demo.Results = store
	if err := demo.Register(reg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register tasks")
	}

	metrics := worker.NewMetrics(prometheus.DefaultRegisterer)
	engine := worker.New(cfg, transport, store, reg,
		worker.WithLogger(log),
		worker.WithMetrics(metrics),
		worker.WithLimiter(ratelimit.New(broker, cfg.Namespace)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := transport.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("Broker not reachable yet, will keep retrying")
	}
	cancel()

	// Start Prometheus metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Update queue depth gauges every 5 seconds
	go metrics.CollectQueueDepths(ctx, transport, 5*time.Second, log)

	if err := engine.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		os.Exit(1)
	}

	log.Info().Msg("Shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

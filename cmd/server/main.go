// Package main implements the HTTP API server.
// It submits tasks, serves results and runs the periodic scheduler.
//
// API Endpoints:
//
//	GET  /health          - Broker and result backend status
//	POST /tasks           - Submits a task, returns its ID
//	GET  /tasks/{id}      - Returns the task result (?wait=seconds to block)
//	POST /schedules       - Registers a periodic submission (cron spec)
//	GET  /stats           - Queue depths
//	GET  /queues/{which}  - Lists invocations in ready, delayed, unacked, dead or completed
//
// Request Format (POST /tasks):
//
//	{
//	  "task": "example_task",
//	  "args": ["hello"],
//	  "countdown": 10
//	}
//
// Usage:
//
//	go run ./cmd/server
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/api"
	"github.com/guido-cesarano/taskworker/pkg/backend"
	"github.com/guido-cesarano/taskworker/pkg/client"
	"github.com/guido-cesarano/taskworker/pkg/config"
	"github.com/guido-cesarano/taskworker/pkg/handlers"
	"github.com/guido-cesarano/taskworker/pkg/logger"
	"github.com/guido-cesarano/taskworker/pkg/queue"
	"github.com/guido-cesarano/taskworker/pkg/registry"
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

	// The server knows the same task set as the worker so unknown names
	// are rejected at submit time.
	reg := registry.New(cfg.TaskMaxRetries)
	demo := handlers.NewDemo()
	demo.Results = store
	if err := demo.Register(reg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register tasks")
	}

	c := client.New(cfg, transport, store, client.WithRegistry(reg), client.WithLogger(log))
	c.StartScheduler()
	defer c.StopScheduler()

	if cfg.APIKey == "" {
		log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		log.Info().Msg("API Authentication enabled.")
	}

	h := api.NewHandler(c, transport, map[string]api.Pinger{"broker": transport, "backend": store})
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(h, cfg.APIKey, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.APIAddr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

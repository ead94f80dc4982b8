// Package main measures submit and processing throughput against a running
// broker and worker. It submits example_task invocations concurrently and
// waits until the queue drains.
//
// Usage:
//
//	go run ./benchmark -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/backend"
	"github.com/guido-cesarano/taskworker/pkg/client"
	"github.com/guido-cesarano/taskworker/pkg/config"
	"github.com/guido-cesarano/taskworker/pkg/queue"
	"github.com/rs/zerolog"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to submit")
	numWorkers := flag.Int("workers", 10, "Number of concurrent submitters")
	taskName := flag.String("task", "example_task", "Task to submit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	broker, err := queue.Connect(cfg.BrokerURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid broker URL: %v\n", err)
		os.Exit(1)
	}
	results, err := queue.Connect(cfg.ResultBackendURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid result backend URL: %v\n", err)
		os.Exit(1)
	}

	transport := queue.New(broker, cfg.Queue, queue.WithNamespace(cfg.Namespace))
	store := backend.New(results, backend.WithNamespace(cfg.Namespace), backend.WithExpires(cfg.ResultExpires))
	c := client.New(cfg, transport, store, client.WithLogger(zerolog.Nop()))
	ctx := context.Background()

	fmt.Printf("Task Worker Benchmark\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Tasks to submit: %d\n", *numTasks)
	fmt.Printf("Concurrent submitters: %d\n\n", *numWorkers)

	// Submit phase
	fmt.Printf("Starting submit phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				msg := fmt.Sprintf("worker-%d-task-%d", workerID, j)
				if _, err := c.Submit(ctx, *taskName, []any{msg}, nil, client.WithMaxRetries(0)); err != nil {
					fmt.Printf("Error submitting: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Submitted %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	// Wait for processing
	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()

	for {
		depths, err := transport.Depths(ctx)
		if err != nil {
			fmt.Printf("Error reading queue depths: %v\n", err)
			os.Exit(1)
		}
		remaining := depths["ready"] + depths["delayed"] + depths["unacked"]
		if remaining == 0 {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(enqueued.Load())/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(enqueued.Load())/totalTime.Seconds())
}

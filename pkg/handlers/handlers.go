// Package handlers contains the demo task set run by cmd/worker.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/logger"
	"github.com/guido-cesarano/taskworker/pkg/registry"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
)

// ResultReader looks up stored task results.
type ResultReader interface {
	Get(ctx context.Context, id string) (tasks.Result, error)
}

// Demo holds the simulated work durations of the demo tasks.
type Demo struct {
	// WorkDelay simulates the work of single-shot tasks.
	WorkDelay time.Duration
	// ItemDelay simulates the work per batch item.
	ItemDelay time.Duration
	// StepInterval is the time per long_running_task step.
	StepInterval time.Duration
	// Results is read by error_handler.
	Results ResultReader

	now func() time.Time
}

// NewDemo returns the demo tasks with their default simulated durations.
func NewDemo() *Demo {
	return &Demo{
		WorkDelay:    time.Second,
		ItemDelay:    100 * time.Millisecond,
		StepInterval: time.Second,
		now:          time.Now,
	}
}

// Register adds every demo task to reg.
func (d *Demo) Register(reg *registry.Registry) error {
	return errors.Join(
		reg.Register("example_task", registry.Func(d.Example)),
		reg.Register("async_processing_task", registry.Func(d.AsyncProcessing), registry.WithMaxRetries(3)),
		reg.Register("batch_processing_task", Batch(d.upper)),
		reg.Register("long_running_task", registry.Func(d.LongRunning)),
		reg.Register("database_task", registry.Func(d.Database), registry.WithRateLimit(10, 20)),
		reg.Register("error_handler", registry.Func(d.ErrorHandler), registry.WithMaxRetries(0)),
	)
}

func (d *Demo) timestamp() float64 {
	now := time.Now
	if d.now != nil {
		now = d.now
	}
	return float64(now().UnixNano()) / 1e9
}

// Example processes a single message.
func (d *Demo) Example(ctx context.Context, call *tasks.Call) (any, error) {
	message, err := call.String(0, "message")
	if err != nil {
		return nil, err
	}
	logger.Log.Info().Str("task_id", call.ID()).Str("message", message).Msg("Processing message")

	if err := sleep(ctx, d.WorkDelay); err != nil {
		return nil, err
	}

	return map[string]any{
		"processed": message,
		"length":    len(message),
		"uppercase": strings.ToUpper(message),
		"timestamp": d.timestamp(),
	}, nil
}

// AsyncProcessing validates and processes a data map. Empty data fails and is retried.
func (d *Demo) AsyncProcessing(ctx context.Context, call *tasks.Call) (any, error) {
	data, err := call.Map(0, "data")
	if err != nil {
		return nil, err
	}

	if err := sleep(ctx, d.WorkDelay); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty data provided")
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return map[string]any{
		"status":         "completed",
		"input":          data,
		"processed_keys": keys,
		"timestamp":      d.timestamp(),
	}, nil
}

// LongRunning runs duration steps, reporting progress after each.
func (d *Demo) LongRunning(ctx context.Context, call *tasks.Call) (any, error) {
	duration := 10
	if _, ok := call.Arg(0, "duration"); ok {
		n, err := call.Int(0, "duration")
		if err != nil {
			return nil, err
		}
		duration = n
	}
	if duration < 0 {
		return nil, tasks.Permanent(fmt.Errorf("duration must be >= 0, got %d", duration))
	}

	logger.Log.Info().Str("task_id", call.ID()).Int("duration", duration).Msg("Starting long-running task")
	start := time.Now()

	for i := 0; i < duration; i++ {
		err := call.UpdateProgress(ctx, map[string]any{
			"current": i + 1,
			"total":   duration,
			"status":  fmt.Sprintf("Processing step %d/%d", i+1, duration),
		})
		if err != nil {
			return nil, err
		}
		if err := sleep(ctx, d.StepInterval); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"status":      "completed",
		"duration":    duration,
		"actual_time": time.Since(start).Seconds(),
		"timestamp":   d.timestamp(),
	}, nil
}

// Database simulates running a query.
func (d *Demo) Database(ctx context.Context, call *tasks.Call) (any, error) {
	query, err := call.String(0, "query")
	if err != nil {
		return nil, err
	}
	logger.Log.Info().Str("task_id", call.ID()).Str("query", query).Msg("Executing database query")

	if err := sleep(ctx, d.WorkDelay); err != nil {
		return nil, err
	}

	return map[string]any{
		"status":        "completed",
		"query":         query,
		"rows_affected": 42,
		"timestamp":     d.timestamp(),
	}, nil
}

// ErrorHandler logs the error recorded for a failed task.
func (d *Demo) ErrorHandler(ctx context.Context, call *tasks.Call) (any, error) {
	id, err := call.String(0, "task_id")
	if err != nil {
		return nil, err
	}
	if d.Results == nil {
		return nil, tasks.Permanent(errors.New("error_handler has no result backend"))
	}

	res, err := d.Results.Get(ctx, id)
	if errors.Is(err, tasks.ErrNotFound) {
		return nil, tasks.Permanent(fmt.Errorf("task %s: %w", id, err))
	}
	if err != nil {
		return nil, err
	}

	if res.Status == tasks.StatusFailure {
		logger.Log.Error().
			Str("task_id", id).
			Str("task", res.TaskName).
			Bool("retries_exhausted", res.RetriesExhausted).
			Str("error", res.Error).
			Msg("Task failed")
	} else {
		logger.Log.Warn().Str("task_id", id).Str("status", string(res.Status)).Msg("Error handler called for a task that has not failed")
	}

	return map[string]any{
		"task_id": id,
		"status":  string(res.Status),
		"error":   res.Error,
	}, nil
}

func (d *Demo) upper(ctx context.Context, item any) (any, error) {
	s, ok := item.(string)
	if !ok {
		return nil, fmt.Errorf("item must be a string, got %T", item)
	}
	if s == "" {
		return nil, errors.New("empty item")
	}
	if err := sleep(ctx, d.ItemDelay); err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

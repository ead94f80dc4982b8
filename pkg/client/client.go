// Package client is the producer side of the system: it submits invocations
// to the transport and reads their results from the result backend.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskworker/pkg/config"
	"github.com/guido-cesarano/taskworker/pkg/logger"
	"github.com/guido-cesarano/taskworker/pkg/registry"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Enqueuer publishes invocations.
type Enqueuer interface {
	Enqueue(ctx context.Context, inv *tasks.Invocation, delay time.Duration) error
}

// ResultStore is the part of the result backend a producer needs.
type ResultStore interface {
	Get(ctx context.Context, id string) (tasks.Result, error)
	Put(ctx context.Context, res tasks.Result) error
	Forget(ctx context.Context, id string) error
}

// Client submits tasks and reads their results. It is safe for concurrent use.
type Client struct {
	cfg      *config.Config
	queue    Enqueuer
	results  ResultStore
	registry *registry.Registry
	cron     *cron.Cron
	logger   zerolog.Logger
	now      func() time.Time

	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRegistry resolves default retry budgets from the registry and rejects
// unknown task names at submit time.
func WithRegistry(r *registry.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithLogger sets the client logger. Default is logger.Log.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPollInterval sets how often PollUntilTerminal reads the result. Default 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New creates a client.
func New(cfg *config.Config, q Enqueuer, results ResultStore, opts ...Option) *Client {
	c := &Client{
		cfg:          cfg,
		queue:        q,
		results:      results,
		cron:         cron.New(cron.WithSeconds()),
		logger:       logger.Log,
		now:          time.Now,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitOptions struct {
	countdown  time.Duration
	eta        *time.Time
	maxRetries *int
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

// WithCountdown delays the first attempt by d.
func WithCountdown(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.countdown = d }
}

// WithETA delays the first attempt until t. It takes precedence over WithCountdown.
func WithETA(t time.Time) SubmitOption {
	return func(o *submitOptions) { o.eta = &t }
}

// WithMaxRetries overrides the retry budget for this invocation.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = &n }
}

// Submit enqueues an invocation of the named task and returns its ID. The
// result reads PENDING from the moment Submit returns.
func (c *Client) Submit(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...SubmitOption) (string, error) {
	inv, delay, err := c.build(name, args, kwargs, opts...)
	if err != nil {
		return "", err
	}

	if err := c.results.Put(ctx, tasks.Stamp(inv, tasks.StatusPending, inv.CreatedAt)); err != nil {
		return "", fmt.Errorf("record pending result: %w", err)
	}
	if err := c.queue.Enqueue(ctx, inv, delay); err != nil {
		if ferr := c.results.Forget(context.WithoutCancel(ctx), inv.ID); ferr != nil {
			c.logger.Warn().Err(ferr).Str("task_id", inv.ID).Msg("Failed to remove pending result")
		}
		return "", err
	}

	c.logger.Debug().
		Str("task_id", inv.ID).
		Str("task", name).
		Int("max_retries", inv.MaxRetries).
		Dur("delay", delay).
		Msg("Task submitted")
	return inv.ID, nil
}

func (c *Client) build(name string, args []any, kwargs map[string]any, opts ...SubmitOption) (*tasks.Invocation, time.Duration, error) {
	if name == "" {
		return nil, 0, errors.New("task name is required")
	}
	if c.registry != nil {
		if _, err := c.registry.Resolve(name); err != nil {
			return nil, 0, err
		}
	}

	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := c.now()
	inv := &tasks.Invocation{
		ID:         uuid.NewString(),
		TaskName:   name,
		Args:       args,
		Kwargs:     kwargs,
		MaxRetries: c.defaultMaxRetries(name),
		CreatedAt:  now,
	}
	if o.maxRetries != nil {
		if *o.maxRetries < 0 {
			return nil, 0, fmt.Errorf("max retries must be >= 0, got %d", *o.maxRetries)
		}
		inv.MaxRetries = *o.maxRetries
	}

	delay := o.countdown
	if o.eta != nil {
		delay = o.eta.Sub(now)
	}
	if delay > 0 {
		eta := now.Add(delay)
		inv.ETA = &eta
	} else {
		delay = 0
	}

	if _, err := inv.Encode(); err != nil {
		return nil, 0, err
	}
	return inv, delay, nil
}

func (c *Client) defaultMaxRetries(name string) int {
	if c.registry != nil {
		return c.registry.MaxRetries(name)
	}
	return c.cfg.TaskMaxRetries
}

// GetResult returns the current result. Unknown IDs read as PENDING; results
// past their expiry fail with tasks.ErrNotFound.
func (c *Client) GetResult(ctx context.Context, id string) (tasks.Result, error) {
	return c.results.Get(ctx, id)
}

// PollUntilTerminal reads the result until it is SUCCESS or FAILURE. It fails
// with tasks.ErrTimeout when timeout elapses first.
func (c *Client) PollUntilTerminal(ctx context.Context, id string, timeout time.Duration) (tasks.Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		res, err := c.results.Get(ctx, id)
		if err != nil {
			return tasks.Result{}, err
		}
		if res.Status.Terminal() {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return tasks.Result{}, ctx.Err()
		case <-timer.C:
			return res, fmt.Errorf("%w: %s still %s after %s", tasks.ErrTimeout, id, res.Status, timeout)
		case <-ticker.C:
		}
	}
}

// Schedule submits the named task on a cron spec (seconds field included,
// or descriptors such as "@every 1m"). Each run is a new invocation.
func (c *Client) Schedule(spec, name string, args []any, kwargs map[string]any, opts ...SubmitOption) (cron.EntryID, error) {
	if _, _, err := c.build(name, args, kwargs, opts...); err != nil {
		return 0, err
	}

	return c.cron.AddFunc(spec, func() {
		id, err := c.Submit(context.Background(), name, args, kwargs, opts...)
		if err != nil {
			c.logger.Error().Err(err).Str("task", name).Str("spec", spec).Msg("Failed to enqueue scheduled task")
			return
		}
		c.logger.Info().Str("task", name).Str("task_id", id).Str("spec", spec).Msg("Scheduled task enqueued")
	})
}

// Unschedule removes a periodic submission.
func (c *Client) Unschedule(id cron.EntryID) {
	c.cron.Remove(id)
}

// Schedules returns the registered periodic submissions.
func (c *Client) Schedules() []cron.Entry {
	return c.cron.Entries()
}

// StartScheduler starts running scheduled submissions in the background.
func (c *Client) StartScheduler() {
	c.cron.Start()
}

// StopScheduler stops the scheduler and waits for running submissions.
func (c *Client) StopScheduler() {
	<-c.cron.Stop().Done()
}

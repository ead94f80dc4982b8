// Package worker implements the execution engine: it pulls deliveries from
// the transport, dispatches them to registered handlers on a bounded pool of
// execution slots, records results and applies the retry policy.
//
// Per invocation the state machine is
//
//	PENDING -> STARTED [-> PROGRESS...] -> SUCCESS | FAILURE | RETRY
//
// RETRY re-enqueues the next attempt after an exponential backoff. A failure
// at RetryCount == MaxRetries is the last permitted attempt and becomes a
// FAILURE with RetriesExhausted set.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/config"
	"github.com/guido-cesarano/taskworker/pkg/logger"
	"github.com/guido-cesarano/taskworker/pkg/queue"
	"github.com/guido-cesarano/taskworker/pkg/registry"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Transport is the part of the message transport the engine consumes.
type Transport interface {
	Dequeue(ctx context.Context, visibility time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, token string) error
	Nack(ctx context.Context, token string, requeue bool) error
	Complete(ctx context.Context, token string) error
	Retry(ctx context.Context, token string, next *tasks.Invocation, delay time.Duration) error
	DeadLetter(ctx context.Context, token string, inv *tasks.Invocation) error
}

// ResultBackend is where the engine records state transitions.
type ResultBackend interface {
	Get(ctx context.Context, id string) (tasks.Result, error)
	Put(ctx context.Context, res tasks.Result) error
	UpdateProgress(ctx context.Context, id string, meta map[string]any) error
}

// Limiter enforces per-task rate limits.
type Limiter interface {
	Allow(ctx context.Context, key string, limit, burst int) (bool, error)
}

// Engine runs registered handlers for deliveries from one transport.
type Engine struct {
	cfg       *config.Config
	transport Transport
	backend   ResultBackend
	registry  *registry.Registry
	limiter   Limiter
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time

	// fetchErrorDelay pauses the fetcher after a transport error.
	fetchErrorDelay time.Duration

	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Default is logger.Log.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the collectors to update. Default registers a private set.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLimiter enables per-task rate limits declared at registration.
func WithLimiter(l Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithFetchErrorDelay sets the pause after a failed dequeue. Default 1s.
func WithFetchErrorDelay(d time.Duration) Option {
	return func(e *Engine) { e.fetchErrorDelay = d }
}

// New creates an engine. The configuration is shared, not copied.
func New(cfg *config.Config, t Transport, b ResultBackend, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		cfg:             cfg,
		transport:       t,
		backend:         b,
		registry:        reg,
		logger:          logger.Log,
		now:             time.Now,
		fetchErrorDelay: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return e
}

// Metrics returns the collectors updated by the engine.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Run processes deliveries until ctx is cancelled. Cancellation stops
// fetching; running handlers complete, and deliveries fetched but not yet
// started are handed back according to the worker-lost policy.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine is already running")
	}
	defer e.running.Store(false)

	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}
	e.registry.Seal()

	limit := e.cfg.PrefetchLimit()
	held := make(chan struct{}, limit)
	work := make(chan *queue.Delivery, limit)

	e.logger.Info().
		Int("concurrency", e.cfg.WorkerConcurrency).
		Int("prefetch_limit", limit).
		Int("max_tasks_per_child", e.cfg.WorkerMaxTasksPerChild).
		Bool("acks_late", e.cfg.TaskAcksLate).
		Strs("tasks", e.registry.Names()).
		Msg("Worker started. Waiting for tasks...")

	var slots sync.WaitGroup
	for i := 0; i < e.cfg.WorkerConcurrency; i++ {
		slots.Add(1)
		go e.slot(ctx, i, work, held, &slots)
	}

	e.fetch(ctx, work, held)
	slots.Wait()

	for d := range work {
		e.abandon(d)
		<-held
	}

	e.logger.Info().Msg("Worker stopped")
	return nil
}

// fetch dequeues while fewer than PrefetchLimit deliveries are held.
// It closes work when ctx is cancelled.
func (e *Engine) fetch(ctx context.Context, work chan<- *queue.Delivery, held chan struct{}) {
	defer close(work)

	for {
		select {
		case held <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d, err := e.transport.Dequeue(ctx, e.cfg.VisibilityTimeout)
		if err != nil {
			<-held
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrEmpty) {
				e.logger.Error().Err(err).Msg("Dequeue failed")
				e.pause(ctx, e.fetchErrorDelay)
			}
			continue
		}

		if !e.cfg.TaskAcksLate {
			if err := e.transport.Ack(ctx, d.Token); err != nil {
				e.logger.Error().Err(err).Str("task_id", deliveryID(d)).Msg("Early acknowledgment failed")
			}
		}
		work <- d
	}
}

// slot executes deliveries one at a time. After WorkerMaxTasksPerChild
// executions, or after crashing outside a handler, it retires and a fresh
// slot takes its place.
func (e *Engine) slot(ctx context.Context, id int, work <-chan *queue.Delivery, held chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	log := e.logger.With().Int("slot", id).Logger()

	executed := 0
	crashed := false
	for executed < e.cfg.WorkerMaxTasksPerChild && !crashed {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-work:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				e.abandon(d)
				<-held
				return
			}
			crashed = e.dispatch(ctx, log, d)
			<-held
			executed++
		}
	}

	if ctx.Err() != nil {
		return
	}
	if !crashed {
		e.metrics.SlotsRecycled.Inc()
		log.Info().Int("executed", executed).Msg("Execution slot retired")
	}
	wg.Add(1)
	go e.slot(ctx, id, work, held, wg)
}

// dispatch processes one delivery. A panic that escapes process means the
// slot itself is lost; the delivery is handed back per policy.
func (e *Engine) dispatch(ctx context.Context, log zerolog.Logger, d *queue.Delivery) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("task_id", deliveryID(d)).
				Msg("Execution slot crashed")
			e.metrics.Processed.WithLabelValues("lost", deliveryTask(d)).Inc()
			e.abandon(d)
		}
	}()

	// Handlers run to completion; shutdown does not cancel them.
	e.process(context.WithoutCancel(ctx), d)
	return false
}

func (e *Engine) process(ctx context.Context, d *queue.Delivery) {
	if d.Err != nil {
		e.reject(ctx, d)
		return
	}

	inv := d.Invocation
	log := e.logger.With().
		Str("task_id", inv.ID).
		Str("task", inv.TaskName).
		Int("retry_count", inv.RetryCount).
		Logger()

	cur, err := e.backend.Get(ctx, inv.ID)
	switch {
	case errors.Is(err, tasks.ErrNotFound), err == nil && cur.Status.Terminal():
		e.duplicate(ctx, log, d)
		return
	case err != nil:
		log.Warn().Err(err).Msg("Result lookup failed")
	}

	reg, err := e.registry.Resolve(inv.TaskName)
	if err != nil {
		e.fail(ctx, log, d, inv, err, false)
		return
	}

	if e.throttled(ctx, log, d, reg) {
		return
	}

	start := e.now()
	if !inv.CreatedAt.IsZero() {
		e.metrics.QueueLatency.WithLabelValues(inv.TaskName).Observe(start.Sub(inv.CreatedAt).Seconds())
	}

	if err := e.backend.Put(ctx, tasks.Stamp(inv, tasks.StatusStarted, start)); err != nil {
		if errors.Is(err, tasks.ErrInvalidTransition) {
			e.duplicate(ctx, log, d)
			return
		}
		log.Warn().Err(err).Msg("Failed to record task start")
	}
	log.Info().Msg("Processing task")

	e.metrics.BusySlots.Inc()
	out := e.execute(ctx, log, reg, inv)
	e.metrics.BusySlots.Dec()
	e.metrics.Duration.WithLabelValues(inv.TaskName).Observe(time.Since(start).Seconds())

	switch out.Kind {
	case tasks.OutcomeSuccess:
		e.succeed(ctx, log, d, inv, out.Value)
	case tasks.OutcomeFatal:
		e.fail(ctx, log, d, inv, out.Err, false)
	default:
		e.retryOrFail(ctx, log, d, inv, out.Err)
	}
}

// execute runs the handler. A panic is an uncaught fault and fails the
// invocation without consuming a retry.
func (e *Engine) execute(ctx context.Context, log zerolog.Logger, reg *registry.Registration, inv *tasks.Invocation) (out tasks.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task handler panicked")
			out = tasks.Fatal(fmt.Errorf("panic in task %s: %v", inv.TaskName, r))
		}
	}()

	out = reg.Handler.Execute(ctx, tasks.NewCall(inv, e.progress(inv)))
	if out.Kind != tasks.OutcomeSuccess && out.Err == nil {
		out.Err = fmt.Errorf("task %s returned a %s outcome without an error", inv.TaskName, out.Kind)
	}
	return out
}

// progress sends handler progress to the result backend.
func (e *Engine) progress(inv *tasks.Invocation) tasks.ProgressFunc {
	return func(ctx context.Context, meta map[string]any) error {
		err := e.backend.UpdateProgress(ctx, inv.ID, meta)
		if err != nil {
			e.logger.Error().Err(err).Str("task_id", inv.ID).Msg("Progress update rejected")
		}
		return err
	}
}

// throttled re-schedules the delivery without consuming a retry when the
// task's rate limit is exhausted. Limiter errors fail open.
func (e *Engine) throttled(ctx context.Context, log zerolog.Logger, d *queue.Delivery, reg *registry.Registration) bool {
	if reg.RateLimit == nil || e.limiter == nil {
		return false
	}

	allowed, err := e.limiter.Allow(ctx, reg.Name, reg.RateLimit.Rate, reg.RateLimit.Burst)
	if err != nil {
		log.Error().Err(err).Msg("Rate limit check failed")
		return false
	}
	if allowed {
		return false
	}

	delay := time.Second / time.Duration(reg.RateLimit.Rate)
	next := *d.Invocation
	eta := e.now().Add(delay)
	next.ETA = &eta
	if err := e.transport.Retry(ctx, d.Token, &next, delay); err != nil {
		log.Error().Err(err).Msg("Failed to re-queue rate limited task")
	}
	e.metrics.Processed.WithLabelValues("rate_limited", reg.Name).Inc()
	log.Debug().Dur("delay", delay).Msg("Rate limit exceeded, re-queueing")
	return true
}

func (e *Engine) succeed(ctx context.Context, log zerolog.Logger, d *queue.Delivery, inv *tasks.Invocation, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		e.fail(ctx, log, d, inv, fmt.Errorf("%w: result of %s: %v", tasks.ErrSerialization, inv.TaskName, err), false)
		return
	}

	res := tasks.Stamp(inv, tasks.StatusSuccess, e.now())
	res.Value = data
	if !e.record(ctx, log, d, res) {
		return
	}
	e.settle(log, e.transport.Complete(ctx, d.Token))

	e.metrics.Processed.WithLabelValues("success", inv.TaskName).Inc()
	log.Info().Msg("Task succeeded")
}

// retryOrFail applies the retry budget: a failure at RetryCount ==
// MaxRetries was the last permitted attempt.
func (e *Engine) retryOrFail(ctx context.Context, log zerolog.Logger, d *queue.Delivery, inv *tasks.Invocation, cause error) {
	if inv.RetryCount >= inv.MaxRetries {
		e.fail(ctx, log, d, inv, cause, true)
		return
	}

	now := e.now()
	delay := Backoff(e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay, inv.RetryCount)
	next := inv.NextAttempt(now, delay)

	res := tasks.Stamp(next, tasks.StatusRetry, now)
	res.Error = cause.Error()
	if !e.record(ctx, log, d, res) {
		return
	}

	if err := e.transport.Retry(ctx, d.Token, next, delay); err != nil {
		log.Error().Err(err).Msg("Failed to schedule retry, leaving message for redelivery")
		return
	}

	e.metrics.Processed.WithLabelValues("retry", inv.TaskName).Inc()
	log.Warn().
		Err(cause).
		Int("attempt", next.RetryCount).
		Int("max_retries", inv.MaxRetries).
		Dur("delay", delay).
		Msg("Task scheduled for retry")
}

func (e *Engine) fail(ctx context.Context, log zerolog.Logger, d *queue.Delivery, inv *tasks.Invocation, cause error, exhausted bool) {
	res := tasks.Stamp(inv, tasks.StatusFailure, e.now())
	res.Error = cause.Error()
	res.RetriesExhausted = exhausted
	if !e.record(ctx, log, d, res) {
		return
	}
	e.settle(log, e.transport.DeadLetter(ctx, d.Token, inv))

	e.metrics.Processed.WithLabelValues("failed", inv.TaskName).Inc()
	log.Error().Err(cause).Bool("retries_exhausted", exhausted).Msg("Task failed")
}

// reject handles a payload that could not be decoded: it is never retried.
func (e *Engine) reject(ctx context.Context, d *queue.Delivery) {
	log := e.logger.With().Str("task_id", deliveryID(d)).Logger()

	if d.Invocation != nil && d.Invocation.ID != "" {
		res := tasks.Stamp(d.Invocation, tasks.StatusFailure, e.now())
		res.Error = d.Err.Error()
		if !e.record(ctx, log, d, res) {
			return
		}
	}
	e.settle(log, e.transport.DeadLetter(ctx, d.Token, nil))

	e.metrics.Processed.WithLabelValues("failed", deliveryTask(d)).Inc()
	log.Error().Err(d.Err).Msg("Rejected malformed message")
}

// duplicate acknowledges a delivery whose invocation already finished.
func (e *Engine) duplicate(ctx context.Context, log zerolog.Logger, d *queue.Delivery) {
	e.settle(log, e.transport.Ack(ctx, d.Token))
	e.metrics.Processed.WithLabelValues("duplicate", deliveryTask(d)).Inc()
	log.Warn().Msg("Duplicate delivery of a finished task, acknowledged without running")
}

// record writes a result and reports whether the caller should go on to
// settle the message. A rejected transition means the invocation already
// finished, so the delivery is acknowledged as a duplicate. Any other error
// leaves the message unacknowledged for redelivery.
func (e *Engine) record(ctx context.Context, log zerolog.Logger, d *queue.Delivery, res tasks.Result) bool {
	err := e.backend.Put(ctx, res)
	switch {
	case err == nil:
		return true
	case errors.Is(err, tasks.ErrInvalidTransition):
		log.Error().Err(err).Str("status", string(res.Status)).Msg("Result transition rejected")
		e.duplicate(ctx, log, d)
		return false
	case !e.cfg.TaskAcksLate:
		e.metrics.Processed.WithLabelValues("lost", deliveryTask(d)).Inc()
		log.Error().Err(err).Str("status", string(res.Status)).Msg("Failed to store result of an early-acknowledged message, invocation lost")
		return false
	default:
		log.Error().Err(err).Str("status", string(res.Status)).Msg("Failed to store result, leaving message for redelivery")
		return false
	}
}

func (e *Engine) settle(log zerolog.Logger, err error) {
	if err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge message")
	}
}

// abandon hands back a delivery whose slot is gone: requeued when
// TaskRejectOnWorkerLost, otherwise left to the visibility timeout.
func (e *Engine) abandon(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log := e.logger.With().Str("task_id", deliveryID(d)).Logger()

	switch {
	case !e.cfg.TaskAcksLate:
		log.Warn().Msg("Early-acknowledged message lost with its worker")
	case e.cfg.TaskRejectOnWorkerLost:
		if err := e.transport.Nack(ctx, d.Token, true); err != nil {
			log.Error().Err(err).Msg("Failed to requeue message")
			return
		}
		log.Warn().Msg("Message requeued after worker loss")
	default:
		log.Warn().Msg("Message left for redelivery after visibility timeout")
	}
}

func (e *Engine) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func deliveryID(d *queue.Delivery) string {
	if d.Invocation == nil {
		return ""
	}
	return d.Invocation.ID
}

func deliveryTask(d *queue.Delivery) string {
	if d.Invocation == nil || d.Invocation.TaskName == "" {
		return "unknown"
	}
	return d.Invocation.TaskName
}

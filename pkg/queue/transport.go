// Package queue provides the Redis-backed message transport carrying task
// invocations from producers to workers.
//
// It gives at-least-once delivery:
//   - Dequeue atomically moves a message into an unacked set with a visibility deadline
//   - Unacknowledged messages past their deadline become deliverable again
//   - Delayed messages (countdown/ETA and retries) wait in a sorted set until due
//   - Permanently failed messages are kept in a dead letter list for inspection
//
// FIFO order is best effort only: redelivery and multiple consumers reorder messages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no message became visible within the block timeout.
var ErrEmpty = errors.New("queue: no message available")

const completedHistory = 100

// Transport manages one named queue in Redis.
//
// Key layout (prefix = namespace:queue):
//   - prefix:ready     LIST of messages ready for delivery
//   - prefix:delayed   ZSET of messages scored by due time (ms)
//   - prefix:unacked   ZSET of delivered messages scored by visibility deadline (ms)
//   - prefix:dead      LIST of messages that failed permanently
//   - prefix:completed LIST of the last completed messages
type Transport struct {
	rdb          *redis.Client
	name         string
	keys         keys
	pollInterval time.Duration
	blockTimeout time.Duration
	now          func() time.Time
}

type keys struct {
	ready, delayed, unacked, dead, completed string
}

// Delivery is one delivered message. Token is the acknowledgment handle.
// When the payload could not be decoded, Err wraps tasks.ErrSerialization and
// Invocation holds whatever identity was recoverable (possibly nil).
type Delivery struct {
	Invocation *tasks.Invocation
	Token      string
	Err        error
}

// Option configures a Transport.
type Option func(*Transport)

// WithNamespace sets the key prefix. Default "taskworker".
func WithNamespace(ns string) Option {
	return func(t *Transport) { t.keys = keysFor(ns, t.name) }
}

// WithPollInterval sets how often Dequeue re-checks an empty queue.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) { t.pollInterval = d }
}

// WithBlockTimeout sets how long Dequeue waits before returning ErrEmpty.
func WithBlockTimeout(d time.Duration) Option {
	return func(t *Transport) { t.blockTimeout = d }
}

// WithClock overrides the time source used for due times and deadlines.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// Connect opens a Redis client from a redis:// URL.
func Connect(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// New creates a transport for the named queue on an existing Redis client.
func New(rdb *redis.Client, name string, opts ...Option) *Transport {
	t := &Transport{
		rdb:          rdb,
		name:         name,
		keys:         keysFor("taskworker", name),
		pollInterval: 100 * time.Millisecond,
		blockTimeout: time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func keysFor(ns, name string) keys {
	prefix := ns + ":" + name
	return keys{
		ready:     prefix + ":ready",
		delayed:   prefix + ":delayed",
		unacked:   prefix + ":unacked",
		dead:      prefix + ":dead",
		completed: prefix + ":completed",
	}
}

// Name returns the queue name.
func (t *Transport) Name() string { return t.name }

// Ping checks the broker connection.
func (t *Transport) Ping(ctx context.Context) error {
	return unavailable(t.rdb.Ping(ctx).Err())
}

// Close closes the underlying Redis client.
func (t *Transport) Close() error {
	return t.rdb.Close()
}

// Enqueue makes inv visible to consumers no earlier than now+delay.
func (t *Transport) Enqueue(ctx context.Context, inv *tasks.Invocation, delay time.Duration) error {
	data, err := inv.Encode()
	if err != nil {
		return err
	}

	if delay <= 0 {
		return unavailable(t.rdb.RPush(ctx, t.keys.ready, data).Err())
	}

	return unavailable(t.rdb.ZAdd(ctx, t.keys.delayed, redis.Z{
		Score:  float64(t.now().Add(delay).UnixMilli()),
		Member: data,
	}).Err())
}

// dequeueScript atomically:
//  1. moves due delayed messages to ready
//  2. moves unacked messages past their deadline back to ready (redelivery)
//  3. pops the head of ready and records it in unacked with a new deadline
var dequeueScript = redis.NewScript(`
	local ready = KEYS[1]
	local delayed = KEYS[2]
	local unacked = KEYS[3]
	local now = tonumber(ARGV[1])
	local deadline = tonumber(ARGV[2])

	local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed, '-inf', now)
		for _, msg in ipairs(due) do
			redis.call('RPUSH', ready, msg)
		end
	end

	local expired = redis.call('ZRANGEBYSCORE', unacked, '-inf', now)
	if #expired > 0 then
		redis.call('ZREMRANGEBYSCORE', unacked, '-inf', now)
		for _, msg in ipairs(expired) do
			redis.call('RPUSH', ready, msg)
		end
	end

	local msg = redis.call('LPOP', ready)
	if not msg then
		return false
	end
	redis.call('ZADD', unacked, deadline, msg)
	return msg
`)

// Dequeue waits up to the block timeout for a visible message and hides it
// from other consumers for visibility. It returns ErrEmpty when nothing arrived.
func (t *Transport) Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(t.blockTimeout)

	for {
		now := t.now()
		raw, err := dequeueScript.Run(ctx, t.rdb,
			[]string{t.keys.ready, t.keys.delayed, t.keys.unacked},
			now.UnixMilli(),
			now.Add(visibility).UnixMilli(),
		).Text()
		if err == nil {
			inv, decodeErr := tasks.Decode([]byte(raw))
			return &Delivery{Invocation: inv, Token: raw, Err: decodeErr}, nil
		}
		if !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, unavailable(err)
		}

		if !time.Now().Before(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}
}

// Ack permanently removes a delivered message.
func (t *Transport) Ack(ctx context.Context, token string) error {
	return unavailable(t.rdb.ZRem(ctx, t.keys.unacked, token).Err())
}

// Complete acknowledges a message and keeps it in the completed history.
func (t *Transport) Complete(ctx context.Context, token string) error {
	pipe := t.rdb.TxPipeline()
	pipe.ZRem(ctx, t.keys.unacked, token)
	pipe.RPush(ctx, t.keys.completed, token)
	pipe.LTrim(ctx, t.keys.completed, -completedHistory, -1)
	_, err := pipe.Exec(ctx)
	return unavailable(err)
}

// Retry schedules next to run after delay and acknowledges the delivery
// it replaces, in one transaction.
func (t *Transport) Retry(ctx context.Context, token string, next *tasks.Invocation, delay time.Duration) error {
	data, err := next.Encode()
	if err != nil {
		return err
	}

	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, t.keys.delayed, redis.Z{
		Score:  float64(t.now().Add(delay).UnixMilli()),
		Member: data,
	})
	pipe.ZRem(ctx, t.keys.unacked, token)
	_, err = pipe.Exec(ctx)
	return unavailable(err)
}

// DeadLetter moves a delivery to the dead letter list and acknowledges it.
// A nil inv stores the raw token, for payloads that could not be decoded.
func (t *Transport) DeadLetter(ctx context.Context, token string, inv *tasks.Invocation) error {
	data := []byte(token)
	if inv != nil {
		encoded, err := inv.Encode()
		if err == nil {
			data = encoded
		}
	}

	pipe := t.rdb.TxPipeline()
	pipe.RPush(ctx, t.keys.dead, data)
	pipe.ZRem(ctx, t.keys.unacked, token)
	_, err := pipe.Exec(ctx)
	return unavailable(err)
}

// nackScript puts a still-unacked message back at the head of ready.
var nackScript = redis.NewScript(`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		return 1
	end
	return 0
`)

// Nack rejects a delivery. With requeue it becomes immediately redeliverable,
// otherwise it is discarded. A delivery that already timed out is left alone.
func (t *Transport) Nack(ctx context.Context, token string, requeue bool) error {
	if !requeue {
		return t.Ack(ctx, token)
	}
	err := nackScript.Run(ctx, t.rdb, []string{t.keys.unacked, t.keys.ready}, token).Err()
	return unavailable(err)
}

// Depths returns the number of messages in each part of the queue.
func (t *Transport) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := t.rdb.Pipeline()
	ready := pipe.LLen(ctx, t.keys.ready)
	delayed := pipe.ZCard(ctx, t.keys.delayed)
	unacked := pipe.ZCard(ctx, t.keys.unacked)
	dead := pipe.LLen(ctx, t.keys.dead)
	completed := pipe.LLen(ctx, t.keys.completed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	return map[string]int64{
		"ready":     ready.Val(),
		"delayed":   delayed.Val(),
		"unacked":   unacked.Val(),
		"dead":      dead.Val(),
		"completed": completed.Val(),
	}, nil
}

// Inspect returns up to limit invocations from one part of the queue
// ("ready", "delayed", "unacked", "dead" or "completed") without removing them.
func (t *Transport) Inspect(ctx context.Context, which string, limit int64) ([]*tasks.Invocation, error) {
	var rawTasks []string
	var err error

	switch which {
	case "ready":
		rawTasks, err = t.rdb.LRange(ctx, t.keys.ready, 0, limit-1).Result()
	case "dead":
		rawTasks, err = t.rdb.LRange(ctx, t.keys.dead, 0, limit-1).Result()
	case "completed":
		rawTasks, err = t.rdb.LRange(ctx, t.keys.completed, 0, limit-1).Result()
	case "delayed":
		rawTasks, err = t.rdb.ZRange(ctx, t.keys.delayed, 0, limit-1).Result()
	case "unacked":
		rawTasks, err = t.rdb.ZRange(ctx, t.keys.unacked, 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("unknown queue section %q", which)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	invocations := make([]*tasks.Invocation, 0, len(rawTasks))
	for _, raw := range rawTasks {
		inv, err := tasks.Decode([]byte(raw))
		if err != nil {
			// Malformed entries are skipped for inspection purposes.
			continue
		}
		invocations = append(invocations, inv)
	}
	return invocations, nil
}

// unavailable tags broker errors so callers can match ErrTransportUnavailable.
func unavailable(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", tasks.ErrTransportUnavailable, err)
}

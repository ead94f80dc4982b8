// Package backend stores task results in Redis.
//
// Each result lives in a hash under namespace:result:{id} with two fields:
// status and body (the JSON encoded tasks.Result). Every write goes through a
// compare-and-set Lua script so terminal results can never be overwritten.
//
// Expiry is enforced twice: a passive check on read hides terminal results
// older than the configured expiry (ErrNotFound), and a Redis TTL of
// expiry+retention deletes them afterwards. Once the key is gone the ID is
// indistinguishable from one never submitted and reads as PENDING.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// Backend is the Redis result store.
type Backend struct {
	rdb       *redis.Client
	ns        string
	expires   time.Duration
	retention time.Duration
	now       func() time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithNamespace sets the key prefix. Default "taskworker".
func WithNamespace(ns string) Option {
	return func(b *Backend) { b.ns = ns }
}

// WithExpires sets how long terminal results stay readable. Default 24h.
func WithExpires(d time.Duration) Option {
	return func(b *Backend) { b.expires = d }
}

// WithRetention sets how long an expired result is still reported as
// NotFound before Redis deletes it. Default equals the expiry. Once the key
// is deleted the ID is unknown again and reads as PENDING.
func WithRetention(d time.Duration) Option {
	return func(b *Backend) { b.retention = d }
}

// WithClock overrides the time source for the passive expiry check.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New creates a result backend on an existing Redis client.
func New(rdb *redis.Client, opts ...Option) *Backend {
	b := &Backend{
		rdb:     rdb,
		ns:      "taskworker",
		expires: 24 * time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.retention <= 0 {
		b.retention = b.expires
	}
	return b
}

func (b *Backend) key(id string) string {
	return fmt.Sprintf("%s:result:%s", b.ns, id)
}

// setScript writes status and body when the transition is allowed.
// ARGV[4..] optionally lists the statuses the current one must match
// (an empty string meaning absent); without them any non-terminal status is accepted.
// Returns 1 on write, 0 on a rejected transition, -1 when the key is missing
// but a specific status was required.
var setScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status') or ''
	if #ARGV > 3 then
		local ok = false
		for i = 4, #ARGV do
			if ARGV[i] == cur then
				ok = true
			end
		end
		if not ok then
			if cur == '' then
				return -1
			end
			return 0
		end
	elseif cur == 'SUCCESS' or cur == 'FAILURE' then
		return 0
	end

	redis.call('HSET', KEYS[1], 'status', ARGV[1], 'body', ARGV[2])
	local ttl = tonumber(ARGV[3])
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	else
		redis.call('PERSIST', KEYS[1])
	end
	return 1
`)

// Put upserts a result. It fails with tasks.ErrInvalidTransition when the
// stored result is already terminal.
func (b *Backend) Put(ctx context.Context, res tasks.Result) error {
	return b.set(ctx, res)
}

func (b *Backend) set(ctx context.Context, res tasks.Result, allowed ...tasks.Status) error {
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = b.now()
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("%w: encode result %s: %v", tasks.ErrSerialization, res.ID, err)
	}

	var ttl int64
	if res.Status.Terminal() {
		ttl = (b.expires + b.retention).Milliseconds()
	}

	args := []any{string(res.Status), body, ttl}
	for _, s := range allowed {
		args = append(args, string(s))
	}

	code, err := setScript.Run(ctx, b.rdb, []string{b.key(res.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("store result %s: %w", res.ID, err)
	}
	switch code {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("%w: result %s does not exist", tasks.ErrInvalidTransition, res.ID)
	default:
		return fmt.Errorf("%w: result %s cannot move to %s", tasks.ErrInvalidTransition, res.ID, res.Status)
	}
}

// Get returns the result for id. Unknown IDs read as PENDING; terminal
// results older than the expiry fail with tasks.ErrNotFound.
func (b *Backend) Get(ctx context.Context, id string) (tasks.Result, error) {
	body, err := b.rdb.HGet(ctx, b.key(id), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return tasks.PendingResult(id), nil
	}
	if err != nil {
		return tasks.Result{}, fmt.Errorf("get result %s: %w", id, err)
	}

	var res tasks.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return tasks.Result{}, fmt.Errorf("%w: decode result %s: %v", tasks.ErrSerialization, id, err)
	}

	if res.Status.Terminal() && b.now().Sub(res.UpdatedAt) > b.expires {
		return tasks.Result{}, fmt.Errorf("%w: %s expired", tasks.ErrNotFound, id)
	}
	return res, nil
}

// UpdateProgress records progress meta. It is only permitted while the
// result is STARTED or PROGRESS.
func (b *Backend) UpdateProgress(ctx context.Context, id string, meta map[string]any) error {
	cur, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != tasks.StatusStarted && cur.Status != tasks.StatusProgress {
		return fmt.Errorf("%w: progress for %s in status %s", tasks.ErrInvalidTransition, id, cur.Status)
	}

	cur.Status = tasks.StatusProgress
	cur.Progress = meta
	cur.UpdatedAt = b.now()
	return b.set(ctx, cur, tasks.StatusStarted, tasks.StatusProgress)
}

// Forget deletes a result regardless of its state.
func (b *Backend) Forget(ctx context.Context, id string) error {
	return b.rdb.Del(ctx, b.key(id)).Err()
}

// Ping checks the backend connection.
func (b *Backend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (b *Backend) Close() error {
	return b.rdb.Close()
}

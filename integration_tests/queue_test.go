package integration_tests

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskworker/pkg/backend"
	"github.com/guido-cesarano/taskworker/pkg/client"
	"github.com/guido-cesarano/taskworker/pkg/config"
	"github.com/guido-cesarano/taskworker/pkg/queue"
	"github.com/guido-cesarano/taskworker/pkg/registry"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
	"github.com/guido-cesarano/taskworker/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	cfg       *config.Config
	transport *queue.Transport
	backend   *backend.Backend
	client    *client.Client
	registry  *registry.Registry
}

// setupIntegrationRedis connects to the Redis at REDIS_URL (default
// localhost:6379). Requires docker-compose up -d to be running.
func setupIntegrationRedis(t *testing.T) *stack {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	rdb, err := queue.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at %s (%v)", url, err)
	}

	cfg := config.Default()
	cfg.Namespace = "it-" + uuid.NewString()[:8]
	cfg.WorkerConcurrency = 1
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.RetryMaxDelay = time.Second
	t.Cleanup(func() { flushNamespace(rdb, cfg.Namespace) })

	s := &stack{
		cfg:       cfg,
		transport: queue.New(rdb, cfg.Queue, queue.WithNamespace(cfg.Namespace), queue.WithBlockTimeout(100*time.Millisecond)),
		backend:   backend.New(rdb, backend.WithNamespace(cfg.Namespace)),
		registry:  registry.New(cfg.TaskMaxRetries),
	}
	s.client = client.New(cfg, s.transport, s.backend, client.WithLogger(zerolog.Nop()), client.WithPollInterval(10*time.Millisecond))
	return s
}

func flushNamespace(rdb *redis.Client, ns string) {
	ctx := context.Background()
	iter := rdb.Scan(ctx, 0, ns+":*", 100).Iterator()
	for iter.Next(ctx) {
		rdb.Del(ctx, iter.Val())
	}
}

func (s *stack) runWorker(t *testing.T) {
	engine := worker.New(s.cfg, s.transport, s.backend, s.registry, worker.WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestIntegrationEcho(t *testing.T) {
	s := setupIntegrationRedis(t)
	s.registry.MustRegister("echo", registry.Func(func(ctx context.Context, call *tasks.Call) (any, error) {
		return call.String(0, "value")
	}))
	s.runWorker(t)
	ctx := context.Background()

	id, err := s.client.Submit(ctx, "echo", []any{"hi"}, nil, client.WithMaxRetries(0))
	require.NoError(t, err)

	res, err := s.client.PollUntilTerminal(ctx, id, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSuccess, res.Status)
	assert.Zero(t, res.RetryCount)

	var value string
	require.NoError(t, res.Decode(&value))
	assert.Equal(t, "hi", value)
}

func TestIntegrationFlaky(t *testing.T) {
	s := setupIntegrationRedis(t)
	var attempts atomic.Int32
	s.registry.MustRegister("flaky", registry.Func(func(ctx context.Context, call *tasks.Call) (any, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("not yet")
		}
		return "done", nil
	}))
	s.runWorker(t)
	ctx := context.Background()

	id, err := s.client.Submit(ctx, "flaky", nil, nil, client.WithMaxRetries(3))
	require.NoError(t, err)

	res, err := s.client.PollUntilTerminal(ctx, id, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.RetryCount)
}

func TestIntegrationVisibilityRedelivery(t *testing.T) {
	s := setupIntegrationRedis(t)
	ctx := context.Background()

	id, err := s.client.Submit(ctx, "echo", []any{"x"}, nil)
	require.NoError(t, err)

	// First consumer takes the message and never acknowledges it.
	first, err := s.transport.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, id, first.Invocation.ID)

	_, err = s.transport.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	time.Sleep(300 * time.Millisecond)

	second, err := s.transport.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, second.Invocation.ID)
	require.NoError(t, s.transport.Ack(ctx, second.Token))

	depths, err := s.transport.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths["ready"])
	assert.Zero(t, depths["unacked"])
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestTransport(t *testing.T) (*Transport, *miniredis.Miniredis, *fakeClock) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	clock := &fakeClock{now: time.Now()}
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	tr := New(rdb, "default",
		WithNamespace("test"),
		WithClock(clock.Now),
		WithPollInterval(5*time.Millisecond),
		WithBlockTimeout(20*time.Millisecond),
	)
	return tr, s, clock
}

func newInvocation(id string) *tasks.Invocation {
	return &tasks.Invocation{
		ID:         id,
		TaskName:   "echo",
		Args:       []any{"hi"},
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	tr, s, _ := setupTestTransport(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, newInvocation("a"), 0))

	d, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, d.Err)
	assert.Equal(t, "a", d.Invocation.ID)

	depths, err := tr.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depths["ready"])
	assert.Equal(t, int64(1), depths["unacked"])

	require.NoError(t, tr.Ack(ctx, d.Token))

	depths, err = tr.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depths["unacked"])
}

func TestDequeueEmpty(t *testing.T) {
	tr, s, _ := setupTestTransport(t)
	defer s.Close()

	d, err := tr.Dequeue(context.Background(), time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Nil(t, d)
}

func TestDequeueHonoursContext(t *testing.T) {
	tr, s, _ := setupTestTransport(t)
	defer s.Close()
	tr.blockTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := tr.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDelayedEnqueue(t *testing.T) {
	tr, s, clock := setupTestTransport(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, newInvocation("later"), 10*time.Second))

	_, err := tr.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty, "message must not be visible before its delay")

	clock.Advance(11 * time.Second)

	d, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "later", d.Invocation.ID)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	tr, s, clock := setupTestTransport(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, newInvocation("slow"), 0))

	first, err := tr.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)

	_, err = tr.Dequeue(ctx, 30*time.Second)
	assert.ErrorIs(t, err, ErrEmpty, "hidden while the visibility window is open")

	clock.Advance(31 * time.Second)

	second, err := tr.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.Invocation.ID, second.Invocation.ID)

	// The first consumer acknowledging late must not break anything.
	assert.NoError(t, tr.Ack(ctx, first.Token))
	assert.NoError(t, tr.Complete(ctx, second.Token))
}

func TestNack(t *testing.T) {
	tr, s, _ := setupTestTransport(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, newInvocation("first"), 0))
	require.NoError(t, tr.Enqueue(ctx, newInvocation("second"), 0))

	d, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "first", d.Invocation.ID)

	require.NoError(t, tr.Nack(ctx, d.Token, true))

	again, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "first", again.Invocation.ID, "requeued message goes to the head")

	require.NoError(t, tr.Nack(ctx, again.Token, false))
	depths, err := tr.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["ready"])
	assert.Equal(t, int64(0), depths["unacked"])
}

func TestRetrySchedulesNextAttempt(t *testing.T) {
	tr, s, clock := setupTestTransport(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, newInvocation("r"), 0))
	d, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	next := d.Invocation.NextAttempt(clock.Now(), 5*time.Second)
	require.NoError(t, tr.Retry(ctx, d.Token, next, 5*time.Second))

	depths, err := tr.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"])
	assert.Equal(t, int64(0), depths["unacked"])

	delayed, err := tr.Inspect(ctx, "delayed", 10)
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.Equal(t, 1, delayed[0].RetryCount)

	clock.Advance(6 * time.Second)
	retried, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Invocation.RetryCount)
}

func TestDeadLetterAndComplete(t *testing.T) {
	tr, s, _ := setupTestTransport(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, tr.Enqueue(ctx, newInvocation("bad"), 0))
	require.NoError(t, tr.Enqueue(ctx, newInvocation("good"), 0))

	bad, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, tr.DeadLetter(ctx, bad.Token, bad.Invocation))

	good, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, tr.Complete(ctx, good.Token))

	dead, err := tr.Inspect(ctx, "dead", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].ID)

	completed, err := tr.Inspect(ctx, "completed", 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "good", completed[0].ID)

	_, err = tr.Inspect(ctx, "nowhere", 10)
	assert.Error(t, err)
}

func TestDequeueMalformedPayload(t *testing.T) {
	tr, s, _ := setupTestTransport(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Push(tr.keys.ready, `{"id":"broken","task":"echo","args":"not-a-list"}`)
	require.NoError(t, err)

	d, err := tr.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Err, tasks.ErrSerialization)
	require.NotNil(t, d.Invocation)
	assert.Equal(t, "broken", d.Invocation.ID)

	require.NoError(t, tr.DeadLetter(ctx, d.Token, nil))
	assert.Equal(t, []string{`{"id":"broken","task":"echo","args":"not-a-list"}`}, mustList(t, s, tr.keys.dead))
}

func TestTransportUnavailable(t *testing.T) {
	tr, s, _ := setupTestTransport(t)
	s.Close()

	err := tr.Enqueue(context.Background(), newInvocation("x"), 0)
	assert.True(t, errors.Is(err, tasks.ErrTransportUnavailable), "got %v", err)
}

func mustList(t *testing.T, s *miniredis.Miniredis, key string) []string {
	t.Helper()
	l, err := s.List(key)
	require.NoError(t, err)
	return l
}

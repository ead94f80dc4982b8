package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/guido-cesarano/taskworker/pkg/registry"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDemo() *Demo {
	fixed := time.Unix(1700000000, 0)
	return &Demo{now: func() time.Time { return fixed }}
}

func newCall(args []any, kwargs map[string]any, progress tasks.ProgressFunc) *tasks.Call {
	return tasks.NewCall(&tasks.Invocation{
		ID:       "test-id",
		TaskName: "test",
		Args:     args,
		Kwargs:   kwargs,
	}, progress)
}

func TestRegister(t *testing.T) {
	reg := registry.New(3)
	require.NoError(t, testDemo().Register(reg))

	assert.Equal(t, []string{
		"async_processing_task",
		"batch_processing_task",
		"database_task",
		"error_handler",
		"example_task",
		"long_running_task",
	}, reg.Names())
	assert.Equal(t, 3, reg.MaxRetries("async_processing_task"))

	db, err := reg.Resolve("database_task")
	require.NoError(t, err)
	require.NotNil(t, db.RateLimit)
	assert.Equal(t, 10, db.RateLimit.Rate)

	err = testDemo().Register(reg)
	assert.ErrorIs(t, err, tasks.ErrDuplicateTaskName)
}

func TestExample(t *testing.T) {
	out, err := testDemo().Example(context.Background(), newCall([]any{"hello"}, nil, nil))
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "hello", m["processed"])
	assert.Equal(t, 5, m["length"])
	assert.Equal(t, "HELLO", m["uppercase"])
	assert.Equal(t, 1700000000.0, m["timestamp"])
}

func TestExampleKeywordArgument(t *testing.T) {
	out, err := testDemo().Example(context.Background(), newCall(nil, map[string]any{"message": "kw"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "KW", out.(map[string]any)["uppercase"])
}

func TestExampleMissingMessageIsPermanent(t *testing.T) {
	_, err := testDemo().Example(context.Background(), newCall(nil, nil, nil))
	assert.True(t, tasks.IsPermanent(err))
}

func TestAsyncProcessing(t *testing.T) {
	data := map[string]any{"b": 2.0, "a": 1.0}
	out, err := testDemo().AsyncProcessing(context.Background(), newCall([]any{data}, nil, nil))
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "completed", m["status"])
	assert.Equal(t, data, m["input"])
	assert.Equal(t, []string{"a", "b"}, m["processed_keys"])
}

func TestAsyncProcessingEmptyDataIsRetryable(t *testing.T) {
	_, err := testDemo().AsyncProcessing(context.Background(), newCall([]any{map[string]any{}}, nil, nil))
	require.Error(t, err)
	assert.False(t, tasks.IsPermanent(err))
	assert.Equal(t, tasks.OutcomeRetryable, tasks.FromError(nil, err).Kind)
}

func TestLongRunningReportsProgress(t *testing.T) {
	var updates []map[string]any
	progress := func(ctx context.Context, meta map[string]any) error {
		updates = append(updates, meta)
		return nil
	}

	out, err := testDemo().LongRunning(context.Background(), newCall([]any{3.0}, nil, progress))
	require.NoError(t, err)

	require.Len(t, updates, 3)
	for i, u := range updates {
		assert.Equal(t, i+1, u["current"])
		assert.Equal(t, 3, u["total"])
	}
	assert.Equal(t, "Processing step 3/3", updates[2]["status"])
	assert.Equal(t, 3, out.(map[string]any)["duration"])
}

func TestLongRunningStopsWhenProgressRejected(t *testing.T) {
	rejected := errors.New("rejected")
	progress := func(ctx context.Context, meta map[string]any) error { return rejected }

	_, err := testDemo().LongRunning(context.Background(), newCall([]any{2.0}, nil, progress))
	assert.ErrorIs(t, err, rejected)
}

func TestLongRunningInvalidDuration(t *testing.T) {
	_, err := testDemo().LongRunning(context.Background(), newCall([]any{-1.0}, nil, nil))
	assert.True(t, tasks.IsPermanent(err))

	_, err = testDemo().LongRunning(context.Background(), newCall([]any{1.5}, nil, nil))
	assert.True(t, tasks.IsPermanent(err))
}

func TestDatabase(t *testing.T) {
	out, err := testDemo().Database(context.Background(), newCall([]any{"SELECT 1"}, nil, nil))
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "SELECT 1", m["query"])
	assert.Equal(t, 42, m["rows_affected"])
}

func TestBatchPartialFailure(t *testing.T) {
	fn := func(ctx context.Context, item any) (any, error) {
		if item == "b" {
			return nil, errors.New("cannot process b")
		}
		return item, nil
	}

	out := Batch(fn).Execute(context.Background(), newCall([]any{[]any{"a", "b"}}, nil, nil))
	require.Equal(t, tasks.OutcomeSuccess, out.Kind)

	report := out.Value.(BatchReport)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []ItemResult{{Index: 0, Original: "a", Processed: "a"}}, report.Results)
	assert.Equal(t, []ItemError{{Index: 1, Item: "b", Error: "cannot process b"}}, report.Errors)
}

func TestDemoBatch(t *testing.T) {
	h := Batch(testDemo().upper)
	out := h.Execute(context.Background(), newCall([]any{[]any{"x", "", 7.0}}, nil, nil))
	require.Equal(t, tasks.OutcomeSuccess, out.Kind)

	data, err := json.Marshal(out.Value)
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal(data, &report))
	assert.EqualValues(t, 3, report["total"])
	assert.EqualValues(t, 1, report["successful"])
	assert.EqualValues(t, 2, report["failed"])
}

func TestBatchEmptyAndMissing(t *testing.T) {
	out := Batch(testDemo().upper).Execute(context.Background(), newCall([]any{[]any{}}, nil, nil))
	require.Equal(t, tasks.OutcomeSuccess, out.Kind)
	assert.Zero(t, out.Value.(BatchReport).Total)

	out = Batch(testDemo().upper).Execute(context.Background(), newCall(nil, nil, nil))
	assert.Equal(t, tasks.OutcomeFatal, out.Kind)
}

type resultMap map[string]tasks.Result

func (m resultMap) Get(ctx context.Context, id string) (tasks.Result, error) {
	res, ok := m[id]
	if !ok {
		return tasks.Result{}, tasks.ErrNotFound
	}
	return res, nil
}

func TestErrorHandler(t *testing.T) {
	d := testDemo()
	d.Results = resultMap{
		"failed-id": {ID: "failed-id", TaskName: "async_processing_task", Status: tasks.StatusFailure, Error: "empty data provided", RetriesExhausted: true},
		"ok-id":     {ID: "ok-id", Status: tasks.StatusSuccess},
	}

	out, err := d.ErrorHandler(context.Background(), newCall([]any{"failed-id"}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"task_id": "failed-id",
		"status":  "FAILURE",
		"error":   "empty data provided",
	}, out)

	out, err = d.ErrorHandler(context.Background(), newCall(nil, map[string]any{"task_id": "ok-id"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", out.(map[string]any)["status"])
}

func TestErrorHandlerFailures(t *testing.T) {
	d := testDemo()
	_, err := d.ErrorHandler(context.Background(), newCall([]any{"x"}, nil, nil))
	assert.True(t, tasks.IsPermanent(err), "no result backend")

	d.Results = resultMap{}
	_, err = d.ErrorHandler(context.Background(), newCall([]any{"expired"}, nil, nil))
	assert.True(t, tasks.IsPermanent(err))
	assert.ErrorIs(t, err, tasks.ErrNotFound)

	_, err = d.ErrorHandler(context.Background(), newCall(nil, nil, nil))
	assert.True(t, tasks.IsPermanent(err), "missing task_id")
}

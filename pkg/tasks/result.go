package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an invocation as seen by clients.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusStarted  Status = "STARTED"
	StatusProgress Status = "PROGRESS"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusRetry    Status = "RETRY"
)

// Terminal reports whether no further transitions may occur.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Result is the stored outcome of an invocation, keyed by invocation ID.
type Result struct {
	ID       string `json:"id"`
	TaskName string `json:"task,omitempty"`
	Status   Status `json:"status"`

	// Value is the handler's return value, present only on SUCCESS.
	Value json.RawMessage `json:"value,omitempty"`

	// Error is human readable, present on FAILURE and RETRY.
	Error string `json:"error,omitempty"`

	// RetriesExhausted distinguishes "gave up after exhausting retries"
	// from a non-retryable failure.
	RetriesExhausted bool `json:"retries_exhausted"`

	RetryCount int `json:"retry_count"`

	// Progress is the last handler-reported meta, present only on PROGRESS.
	Progress map[string]any `json:"progress,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// PendingResult is what clients see for an invocation nobody has touched yet.
func PendingResult(id string) Result {
	return Result{ID: id, Status: StatusPending}
}

// Decode unmarshals the handler value into v.
func (r Result) Decode(v any) error {
	if len(r.Value) == 0 {
		return fmt.Errorf("result %s has no value (status %s)", r.ID, r.Status)
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("%w: decode result %s: %v", ErrSerialization, r.ID, err)
	}
	return nil
}

// Stamp returns a result for inv in the given status at time now.
func Stamp(inv *Invocation, status Status, now time.Time) Result {
	return Result{
		ID:         inv.ID,
		TaskName:   inv.TaskName,
		Status:     status,
		RetryCount: inv.RetryCount,
		UpdatedAt:  now,
	}
}

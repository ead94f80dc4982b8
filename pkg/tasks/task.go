// Package tasks defines the core data structures shared by the transport, the
// result backend, the worker engine and the client: invocations, results,
// handler outcomes and the error taxonomy.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Invocation is a single request to execute a named task with given arguments.
// It is immutable once enqueued; retries produce a new copy via NextAttempt.
type Invocation struct {
	// ID is a globally unique identifier (UUID) shared by every attempt.
	ID string `json:"id"`

	// TaskName must resolve in the worker's registry.
	TaskName string `json:"task"`

	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`

	// MaxRetries is the number of retries allowed after the first attempt.
	MaxRetries int `json:"max_retries"`

	// RetryCount is incremented only by the worker engine when it schedules a retry.
	RetryCount int `json:"retry_count"`

	// ETA is the earliest time the invocation may run, if any.
	ETA *time.Time `json:"eta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NextAttempt returns the invocation for the following retry, due after delay.
func (inv Invocation) NextAttempt(now time.Time, delay time.Duration) *Invocation {
	next := inv
	next.RetryCount++
	eta := now.Add(delay)
	next.ETA = &eta
	return &next
}

// Encode serializes the invocation for the wire. Values encoding/json cannot
// represent (channels, funcs, NaN, ...) yield ErrSerialization.
func (inv *Invocation) Encode() ([]byte, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("%w: encode invocation %s: %v", ErrSerialization, inv.ID, err)
	}
	return data, nil
}

// Decode parses a wire payload. On failure it still returns whatever
// identity could be recovered so the caller can record a FAILURE result.
func Decode(raw []byte) (*Invocation, error) {
	var inv Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		var ident struct {
			ID       string `json:"id"`
			TaskName string `json:"task"`
		}
		if json.Unmarshal(raw, &ident) != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return &Invocation{ID: ident.ID, TaskName: ident.TaskName}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invocation without id", ErrSerialization)
	}
	if inv.RetryCount < 0 || inv.MaxRetries < 0 {
		return &inv, fmt.Errorf("%w: negative retry counters (%d/%d)", ErrSerialization, inv.RetryCount, inv.MaxRetries)
	}
	return &inv, nil
}

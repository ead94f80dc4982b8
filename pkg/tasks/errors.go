package tasks

import "errors"

var (
	// ErrTransportUnavailable means the broker could not be reached. It is
	// returned to the caller of enqueue/dequeue; the engine never retries it.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrUnknownTask means the task name has no registered handler.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTaskName means a handler is already registered under the name.
	ErrDuplicateTaskName = errors.New("duplicate task name")

	// ErrSerialization means a payload could not be encoded or decoded as JSON.
	ErrSerialization = errors.New("serialization error")

	// ErrInvalidTransition means a result write violated the state machine,
	// e.g. a write after a terminal state.
	ErrInvalidTransition = errors.New("invalid result transition")

	// ErrTimeout means a client poll gave up before a terminal state.
	ErrTimeout = errors.New("timed out waiting for result")

	// ErrNotFound means the terminal result has expired.
	ErrNotFound = errors.New("result not found")
)

// permanentError marks a handler error as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that FromError maps it to a Fatal outcome.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

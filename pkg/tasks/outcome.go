package tasks

// OutcomeKind classifies what a handler asks the engine to do next.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is returned across the handler boundary in place of exception-based
// retry control. Retryable consumes a retry slot; Fatal fails immediately.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   error
}

func Success(value any) Outcome   { return Outcome{Kind: OutcomeSuccess, Value: value} }
func Retryable(err error) Outcome { return Outcome{Kind: OutcomeRetryable, Err: err} }
func Fatal(err error) Outcome     { return Outcome{Kind: OutcomeFatal, Err: err} }

// FromError maps a conventional (value, error) pair. Every error is retryable
// unless wrapped with Permanent.
func FromError(value any, err error) Outcome {
	switch {
	case err == nil:
		return Success(value)
	case IsPermanent(err):
		return Fatal(err)
	default:
		return Retryable(err)
	}
}

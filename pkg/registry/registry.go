// Package registry maps task names to handlers and their retry policy.
//
// Handlers are registered once at process start. The worker engine seals the
// registry when it starts; afterwards it is read-only.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guido-cesarano/taskworker/pkg/tasks"
)

// Handler executes one attempt of a task.
type Handler interface {
	Execute(ctx context.Context, call *tasks.Call) tasks.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *tasks.Call) tasks.Outcome

func (f HandlerFunc) Execute(ctx context.Context, call *tasks.Call) tasks.Outcome {
	return f(ctx, call)
}

// Func adapts a conventional (value, error) function. Errors are retryable
// unless wrapped with tasks.Permanent.
func Func(fn func(ctx context.Context, call *tasks.Call) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, call *tasks.Call) tasks.Outcome {
		return tasks.FromError(fn(ctx, call))
	})
}

// RateLimit is a token bucket: Rate tokens per second up to Burst.
type RateLimit struct {
	Rate  int
	Burst int
}

// Registration is an immutable registry entry.
type Registration struct {
	Name       string
	Handler    Handler
	MaxRetries int
	RateLimit  *RateLimit
}

// Option configures a Registration.
type Option func(*Registration)

// WithMaxRetries overrides the registry-wide default retry budget.
func WithMaxRetries(n int) Option {
	return func(r *Registration) { r.MaxRetries = n }
}

// WithRateLimit limits how often the task may start across all workers.
func WithRateLimit(perSecond, burst int) Option {
	return func(r *Registration) {
		if burst < 1 {
			burst = 1
		}
		r.RateLimit = &RateLimit{Rate: perSecond, Burst: burst}
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*Registration
	defaultMaxRetries int
	sealed            bool
}

// New creates an empty registry whose entries default to maxRetries.
func New(maxRetries int) *Registry {
	return &Registry{
		entries:           make(map[string]*Registration),
		defaultMaxRetries: maxRetries,
	}
}

// Register adds a handler under name.
func (r *Registry) Register(name string, h Handler, opts ...Option) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if h == nil {
		return fmt.Errorf("task %q: nil handler", name)
	}

	reg := &Registration{Name: name, Handler: h, MaxRetries: r.defaultMaxRetries}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.MaxRetries < 0 {
		return fmt.Errorf("task %q: max retries must be >= 0", name)
	}
	if reg.RateLimit != nil && reg.RateLimit.Rate < 1 {
		return fmt.Errorf("task %q: rate limit must be >= 1 per second", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("task %q: registry is sealed", name)
	}
	if _, found := r.entries[name]; found {
		return fmt.Errorf("%w: %q", tasks.ErrDuplicateTaskName, name)
	}
	r.entries[name] = reg
	return nil
}

// MustRegister is Register for process setup code; it panics on error.
func (r *Registry) MustRegister(name string, h Handler, opts ...Option) {
	if err := r.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

// Resolve returns the registration for name.
func (r *Registry) Resolve(name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", tasks.ErrUnknownTask, name)
	}
	return reg, nil
}

// MaxRetries returns the retry budget for name, or the registry default when
// the name is unknown.
func (r *Registry) MaxRetries(name string) int {
	if reg, err := r.Resolve(name); err == nil {
		return reg.MaxRetries
	}
	return r.defaultMaxRetries
}

// Names returns all registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

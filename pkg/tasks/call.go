package tasks

import (
	"context"
	"fmt"
	"math"
)

// ProgressFunc delivers a progress message for the running invocation.
type ProgressFunc func(ctx context.Context, meta map[string]any) error

// Call is the execution context handed to a handler for one attempt.
type Call struct {
	inv      *Invocation
	progress ProgressFunc
}

// NewCall binds an invocation to the progress sink of the executing slot.
// A nil sink discards progress.
func NewCall(inv *Invocation, progress ProgressFunc) *Call {
	return &Call{inv: inv, progress: progress}
}

// Invocation returns a copy of the invocation being executed.
func (c *Call) Invocation() Invocation { return *c.inv }

func (c *Call) ID() string             { return c.inv.ID }
func (c *Call) TaskName() string       { return c.inv.TaskName }
func (c *Call) RetryCount() int        { return c.inv.RetryCount }
func (c *Call) Args() []any            { return c.inv.Args }
func (c *Call) NArgs() int             { return len(c.inv.Args) }
func (c *Call) Kwargs() map[string]any { return c.inv.Kwargs }

// UpdateProgress reports intermediate progress. It has no effect on scheduling.
func (c *Call) UpdateProgress(ctx context.Context, meta map[string]any) error {
	if c.progress == nil {
		return nil
	}
	return c.progress(ctx, meta)
}

// Arg returns positional argument i, falling back to the keyword argument
// name when the positional one is absent.
func (c *Call) Arg(i int, name string) (any, bool) {
	if i >= 0 && i < len(c.inv.Args) {
		return c.inv.Args[i], true
	}
	if name != "" {
		v, ok := c.inv.Kwargs[name]
		return v, ok
	}
	return nil, false
}

// String returns argument i (or kwarg name) as a string.
func (c *Call) String(i int, name string) (string, error) {
	v, ok := c.Arg(i, name)
	if !ok {
		return "", missingArg(i, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(i, name, "string", v)
	}
	return s, nil
}

// Int returns argument i (or kwarg name) as an int. JSON numbers arrive as
// float64 and must be integral.
func (c *Call) Int(i int, name string) (int, error) {
	v, ok := c.Arg(i, name)
	if !ok {
		return 0, missingArg(i, name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, wrongType(i, name, "integer", v)
		}
		return int(n), nil
	default:
		return 0, wrongType(i, name, "integer", v)
	}
}

// List returns argument i (or kwarg name) as a list.
func (c *Call) List(i int, name string) ([]any, error) {
	v, ok := c.Arg(i, name)
	if !ok {
		return nil, missingArg(i, name)
	}
	switch l := v.(type) {
	case []any:
		return l, nil
	case []string:
		out := make([]any, len(l))
		for j, s := range l {
			out[j] = s
		}
		return out, nil
	default:
		return nil, wrongType(i, name, "list", v)
	}
}

// Map returns argument i (or kwarg name) as an object.
func (c *Call) Map(i int, name string) (map[string]any, error) {
	v, ok := c.Arg(i, name)
	if !ok {
		return nil, missingArg(i, name)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, wrongType(i, name, "object", v)
	}
	return m, nil
}

func missingArg(i int, name string) error {
	return Permanent(fmt.Errorf("missing argument %d (%q)", i, name))
}

func wrongType(i int, name, want string, got any) error {
	return Permanent(fmt.Errorf("argument %d (%q): expected %s, got %T", i, name, want, got))
}

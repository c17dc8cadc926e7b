// Package filter selects change events with a CEL expression.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"

	"github.com/lsm/cdcsink/internal/event"
)

const (
	defaultTimeout = time.Second

	// Comprehension iterations between checks for an expired context.
	interruptCheckFrequency = 100
)

// Option configures a Filter.
type Option func(*Filter)

// WithTimeout sets the maximum evaluation time for a single event.
func WithTimeout(d time.Duration) Option {
	return func(f *Filter) {
		f.timeout = d
	}
}

// Filter evaluates a boolean CEL expression against change events.
//
// The expression sees database, table and operation as strings and payload
// as the decoded data member (null when absent), e.g.
//
//	table == "orders" && operation != "delete"
type Filter struct {
	expression string
	program    cel.Program
	timeout    time.Duration
}

// New compiles expression. It fails unless the expression yields a bool.
func New(expression string, opts ...Option) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("database", cel.StringType),
		cel.Variable("table", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("payload", cel.DynType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(types.BoolType) && !out.IsExactType(types.DynType) {
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", out)
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(interruptCheckFrequency))
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	f := &Filter{
		expression: expression,
		program:    prg,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expression
}

// Match reports whether evt passes the filter.
func (f *Filter) Match(ctx context.Context, evt event.ChangeEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context error: %w", err)
	}

	activation := map[string]any{
		"database":  evt.Database,
		"table":     evt.Table,
		"operation": evt.Operation,
		"payload":   nil,
	}
	if len(evt.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return false, fmt.Errorf("unmarshal payload: %w", err)
		}
		activation["payload"] = payload
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, _, err := f.program.ContextEval(ctx, activation)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("filter timeout: %w", ctx.Err())
		}
		return false, fmt.Errorf("cel eval: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("filter returned %s, want bool", out.Type().TypeName())
	}
	return bool(b), nil
}

package sink

import (
	"context"
	"fmt"

	"github.com/lsm/cdcsink/internal/event"
)

// SchemaResult reports what EnsureSchema found.
type SchemaResult int

const (
	SchemaExists SchemaResult = iota
	SchemaCreated
)

func (r SchemaResult) String() string {
	switch r {
	case SchemaCreated:
		return "created"
	case SchemaExists:
		return "exists"
	default:
		return fmt.Sprintf("SchemaResult(%d)", int(r))
	}
}

// Indexer writes change events to a document store.
type Indexer interface {
	// EnsureSchema creates the target index with the fixed mapping if it
	// does not already exist. Calling it again is a no-op.
	EnsureSchema(ctx context.Context) (SchemaResult, error)

	// Write stores one document for evt. It does not retry.
	Write(ctx context.Context, evt event.ChangeEvent) error

	// Close performs graceful shutdown.
	Close() error
}

// Error reports a failed store operation.
type Error struct {
	Op         string // "exists", "create", "write"
	Index      string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sink %s %s: status %d: %v", e.Op, e.Index, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sink %s %s: %v", e.Op, e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

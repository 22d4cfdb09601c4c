// Package audit records every dispatched gateway operation and its outcome.
// The log is an operator-facing trail of who asked the engine to do what,
// which RPC carried it, and how the request ended.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Entry
// =============================================================================

// Entry is one dispatched operation.
type Entry struct {
	ID        string    // correlation id, assigned by the recorder
	Tenant    string    // tenant the request was scoped to
	Action    string    // gateway action, e.g. "stacks:create"
	Method    string    // engine RPC method, empty when the request never reached dispatch
	Status    int       // HTTP status of the response
	FaultType string    // origin-type name when the request faulted, empty otherwise
	CreatedAt time.Time
}

// Recorder persists dispatch entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, tenant string, limit int) ([]Entry, error)
	Close() error
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrConnectionFailed is returned when the database cannot be opened.
	ErrConnectionFailed = errors.New("audit database connection failed")

	// ErrMigrationFailed is returned when schema migration fails.
	ErrMigrationFailed = errors.New("audit database migration failed")
)

// StoreError wraps audit persistence failures with operation context.
type StoreError struct {
	Op      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Noop
// =============================================================================

// Noop is a Recorder that discards everything. Used when auditing is disabled.
type Noop struct{}

func (Noop) Record(context.Context, Entry) error { return nil }

func (Noop) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }

func (Noop) Close() error { return nil }

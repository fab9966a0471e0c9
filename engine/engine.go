// Package engine defines the interface between the bridge and an
// embedded interpreter.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// Call carries one execution request into an engine. Stdout and Stderr
// are the per-call capture window: everything the interpreter prints
// during this call goes there and nowhere else.
type Call struct {
	Source string
	Stdout io.Writer
	Stderr io.Writer
}

// ExecutionResult is the outcome of a single Execute call. Interpreter
// faults are carried here as data (Success false plus Error text), not
// as Go errors; captured output is included even on failure.
type ExecutionResult struct {
	Success  bool
	Output   any
	Stdout   string
	Stderr   string
	Error    string
	Duration time.Duration
}

// Column describes one field of a tabular resource.
type Column struct {
	Name string
	Type string
}

// Schema describes a registered resource.
type Schema struct {
	Name    string
	Kind    resource.Kind
	Size    int64
	Columns []Column
}

// Engine is implemented by each embedded interpreter (SQL, scripting,
// WASM). The execution host guarantees that after Start returns, all
// remaining calls happen one at a time from a single goroutine, so
// implementations do not need internal locking.
//
// Execute must honor ctx cancellation where the underlying runtime
// supports interruption; the returned value must be a plain-data
// representation with no live interpreter handles.
type Engine interface {
	// Name identifies the engine (e.g. "sql", "javascript", "wasm").
	Name() string

	// Start brings up the interpreter. It is called exactly once per
	// host incarnation. Multi-stage startups report each stage through
	// progress.
	Start(ctx context.Context, progress func(stage string)) error

	// Execute runs one unit of source. A returned error means the
	// interpreter reported a fault for this call only.
	Execute(ctx context.Context, call Call) (any, error)

	// RegisterResource materializes a named payload inside the
	// interpreter (temp table, file, script value).
	RegisterResource(ctx context.Context, res resource.Resource) error

	// UnregisterResource removes a previously registered resource.
	// Returns resource.ErrNotFound if the name is unknown.
	UnregisterResource(ctx context.Context, name string) error

	// DescribeResource reports the schema of a registered resource.
	DescribeResource(ctx context.Context, name string) (Schema, error)

	// Shutdown releases the interpreter. No calls follow it.
	Shutdown(ctx context.Context) error
}

// Factory constructs a fresh Engine for each host incarnation.
type Factory func() (Engine, error)

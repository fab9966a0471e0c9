// Package bridge runs untrusted or heavyweight code on an embedded
// engine isolated behind an asynchronous message channel.
//
// # Overview
//
// A Bridge pairs a caller-facing coordinator with an execution host.
// The host owns the engine instance and processes requests strictly one
// at a time; the coordinator correlates requests with responses by id,
// enforces per-call deadlines, and tracks lifecycle status. The host is
// created lazily on first use and torn down with Terminate.
//
// # Basic Usage
//
//	b := bridge.New(func() (engine.Engine, error) {
//	    return jsengine.New(), nil
//	})
//	defer b.Terminate()
//
//	result, err := b.Execute(ctx, `1 + 2`)
//	if err != nil {
//	    log.Fatal(err) // infrastructure fault
//	}
//	if !result.Success {
//	    fmt.Println(result.Error) // interpreter fault, carried as data
//	}
//	fmt.Println(result.Output)
//
// # Resources
//
// Named payloads can be registered with the host and surface inside the
// engine as tables, files, or script values:
//
//	b.RegisterResource(ctx, "sales", csvBytes, resource.KindCSV)
//	schema, _ := b.DescribeResource(ctx, "sales")
//	b.UnregisterResource(ctx, "sales")
//
// # Failure Semantics
//
// Engine-level faults resolve Execute successfully with Success false.
// Timeouts, cancellation, termination, and host loss return errors (see
// ErrTimeout, ErrCancelled, ErrTerminated, InitError, TransportError).
// A call whose deadline elapses leaves the engine running unless
// WithInterrupt was set; its late response is discarded.
package bridge

// Package execbridge provides a generic bridge for running untrusted or
// heavyweight code (SQL queries, scripts, WASM guests) on an embedded
// engine isolated from the calling goroutine.
//
// # Overview
//
// A coordinator correlates requests with responses by id, enforces
// per-call deadlines, and tracks lifecycle status; an execution host
// owns the engine and processes requests strictly one at a time, so
// per-call output capture never interleaves. The same machinery serves
// every engine: each engine supplies only its execution semantics.
//
// # Basic Usage
//
//	b := bridge.New(func() (engine.Engine, error) {
//	    return jsengine.New(), nil
//	})
//	defer b.Terminate()
//
//	result, _ := b.Execute(ctx, `1 + 2`)
//	fmt.Println(result.Output) // 3
//
// # Engines
//
//	jsengine    embedded JavaScript (goja)
//	sqlengine   PostgreSQL query engine (pgx)
//	wasmengine  WASI guest modules (wazero)
//
// See the [bridge], [engine], and [resource] packages for detailed API
// documentation.
package execbridge

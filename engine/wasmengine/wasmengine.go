// Package wasmengine embeds a WebAssembly guest as a bridge engine
// using wazero. The guest is a WASI command module; each Execute
// instantiates it with the call source on stdin and the per-call
// capture window as stdout/stderr. Registered resources are exposed to
// the guest as read-only files under /resources.
package wasmengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// WASM implements engine.Engine around a compiled WASI module.
type WASM struct {
	module []byte
	cfg    config

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	dir      string
	names    map[string]resource.Resource
}

type config struct {
	args             []string
	memoryLimitPages uint32
}

// Option configures the engine at creation time.
type Option func(*config)

// WithArgs sets the argv passed to the guest on each instantiation.
func WithArgs(args ...string) Option {
	return func(c *config) { c.args = args }
}

// WithMemoryLimit caps guest memory. Each page is 64KB.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) { c.memoryLimitPages = pages }
}

// New creates an engine around a WASI command module binary.
func New(module []byte, opts ...Option) *WASM {
	cfg := config{args: []string{"guest"}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WASM{
		module: module,
		cfg:    cfg,
		names:  make(map[string]resource.Resource),
	}
}

func (e *WASM) Name() string { return "wasm" }

func (e *WASM) Start(ctx context.Context, progress func(stage string)) error {
	if len(e.module) == 0 {
		return errors.New("no guest module provided")
	}

	progress("creating runtime")
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(e.cfg.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return fmt.Errorf("instantiate WASI: %w", err)
	}

	progress("compiling guest module")
	compiled, err := rt.CompileModule(ctx, e.module)
	if err != nil {
		rt.Close(ctx)
		return fmt.Errorf("compile guest: %w", err)
	}

	dir, err := os.MkdirTemp("", "wasmengine-resources-")
	if err != nil {
		rt.Close(ctx)
		return fmt.Errorf("create resource dir: %w", err)
	}

	e.runtime = rt
	e.compiled = compiled
	e.dir = dir
	return nil
}

func (e *WASM) Execute(ctx context.Context, call engine.Call) (any, error) {
	if e.runtime == nil {
		return nil, errors.New("engine not started")
	}

	moduleConfig := wazero.NewModuleConfig().
		WithStdin(strings.NewReader(call.Source)).
		WithStdout(call.Stdout).
		WithStderr(call.Stderr).
		WithArgs(e.cfg.args...).
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(e.dir, "/resources")).
		WithName("")

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, moduleConfig)
	if mod != nil {
		mod.Close(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("interrupted: %v", ctx.Err())
		}
		return nil, fmt.Errorf("guest failed: %w", err)
	}
	// Output travels on stdout; the guest has no richer return channel.
	return nil, nil
}

func (e *WASM) RegisterResource(ctx context.Context, res resource.Resource) error {
	if e.dir == "" {
		return errors.New("engine not started")
	}
	if res.Name != filepath.Base(res.Name) || strings.HasPrefix(res.Name, ".") {
		return fmt.Errorf("invalid resource name %q", res.Name)
	}
	if err := os.WriteFile(filepath.Join(e.dir, res.Name), res.Payload, 0o644); err != nil {
		return fmt.Errorf("write resource: %w", err)
	}
	e.names[res.Name] = res
	return nil
}

func (e *WASM) UnregisterResource(ctx context.Context, name string) error {
	if _, ok := e.names[name]; !ok {
		return fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}
	if err := os.Remove(filepath.Join(e.dir, name)); err != nil {
		return fmt.Errorf("remove resource: %w", err)
	}
	delete(e.names, name)
	return nil
}

func (e *WASM) DescribeResource(ctx context.Context, name string) (engine.Schema, error) {
	res, ok := e.names[name]
	if !ok {
		return engine.Schema{}, fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}
	return engine.InferSchema(res)
}

func (e *WASM) Shutdown(ctx context.Context) error {
	var errs []error
	if e.runtime != nil {
		if err := e.runtime.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		e.runtime = nil
	}
	if e.dir != "" {
		if err := os.RemoveAll(e.dir); err != nil {
			errs = append(errs, err)
		}
		e.dir = ""
	}
	e.names = make(map[string]resource.Resource)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

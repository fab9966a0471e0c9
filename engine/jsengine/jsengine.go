// Package jsengine embeds a JavaScript interpreter (goja) as a bridge
// engine. Console output is captured into the per-call window, and
// registered resources are exposed to scripts through a global
// `resources` object.
package jsengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dop251/goja"

	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// JS implements engine.Engine on a single goja runtime. The bridge host
// serializes all calls, so no internal locking is needed.
type JS struct {
	vm        *goja.Runtime
	resources map[string]resource.Resource

	// Current capture window; swapped per call by Execute.
	stdout io.Writer
	stderr io.Writer
}

func New() *JS {
	return &JS{resources: make(map[string]resource.Resource)}
}

func (e *JS) Name() string { return "javascript" }

func (e *JS) Start(ctx context.Context, progress func(stage string)) error {
	progress("creating runtime")
	e.vm = goja.New()
	e.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	progress("installing host bindings")
	if err := e.installConsole(); err != nil {
		return fmt.Errorf("install console: %w", err)
	}
	if err := e.installResources(); err != nil {
		return fmt.Errorf("install resources object: %w", err)
	}
	return nil
}

func (e *JS) installConsole() error {
	console := e.vm.NewObject()
	log := func(w *io.Writer) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			if *w != nil {
				fmt.Fprintln(*w, strings.Join(parts, " "))
			}
			return goja.Undefined()
		}
	}
	if err := console.Set("log", log(&e.stdout)); err != nil {
		return err
	}
	if err := console.Set("info", log(&e.stdout)); err != nil {
		return err
	}
	if err := console.Set("warn", log(&e.stderr)); err != nil {
		return err
	}
	if err := console.Set("error", log(&e.stderr)); err != nil {
		return err
	}
	return e.vm.Set("console", console)
}

func (e *JS) installResources() error {
	obj := e.vm.NewObject()
	if err := obj.Set("get", func(name string) (string, error) {
		res, ok := e.resources[name]
		if !ok {
			return "", fmt.Errorf("unknown resource %q", name)
		}
		return string(res.Payload), nil
	}); err != nil {
		return err
	}
	if err := obj.Set("list", func() []string {
		names := make([]string, 0, len(e.resources))
		for name := range e.resources {
			names = append(names, name)
		}
		return names
	}); err != nil {
		return err
	}
	return e.vm.Set("resources", obj)
}

// Execute runs one script. Cancelling ctx interrupts the interpreter,
// which makes host-level wall-clock limits effective even for scripts
// that never yield.
func (e *JS) Execute(ctx context.Context, call engine.Call) (any, error) {
	if e.vm == nil {
		return nil, errors.New("engine not started")
	}

	e.stdout = call.Stdout
	e.stderr = call.Stderr
	defer func() {
		e.stdout = nil
		e.stderr = nil
	}()

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-watchdogDone:
		}
	}()
	defer e.vm.ClearInterrupt()

	val, err := e.vm.RunString(call.Source)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("interrupted: %v", interrupted.Value())
		}
		return nil, err
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	// Export detaches the value from the interpreter so no live handle
	// leaks across calls.
	return val.Export(), nil
}

func (e *JS) RegisterResource(ctx context.Context, res resource.Resource) error {
	e.resources[res.Name] = res
	return nil
}

func (e *JS) UnregisterResource(ctx context.Context, name string) error {
	if _, ok := e.resources[name]; !ok {
		return fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}
	delete(e.resources, name)
	return nil
}

func (e *JS) DescribeResource(ctx context.Context, name string) (engine.Schema, error) {
	res, ok := e.resources[name]
	if !ok {
		return engine.Schema{}, fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}
	return engine.InferSchema(res)
}

func (e *JS) Shutdown(ctx context.Context) error {
	e.vm = nil
	e.resources = make(map[string]resource.Resource)
	return nil
}

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

type hostState int

const (
	hostUninitialized hostState = iota
	hostInitializing
	hostReady
	hostFailed
)

// host owns the engine instance and the authoritative resource table.
// It consumes requests from a single goroutine, so the engine is never
// entered concurrently and per-call capture buffers never interleave.
type host struct {
	eng       engine.Engine
	resources *resource.Store
	reqCh     chan request
	respCh    chan response
	log       *slog.Logger
	state     hostState
}

func newHost(eng engine.Engine, store *resource.Store, queueSize int, log *slog.Logger) *host {
	return &host{
		eng:       eng,
		resources: store,
		reqCh:     make(chan request, queueSize),
		respCh:    make(chan response, queueSize),
		log:       log,
	}
}

// run is the host dispatch loop. It starts the engine eagerly, emits a
// readyEvent, then processes requests strictly one at a time until ctx
// is cancelled. The response channel is closed on exit; the coordinator
// treats an unexpected close as transport loss.
func (h *host) run(ctx context.Context) {
	defer close(h.respCh)
	defer h.shutdown()

	if err := h.start(ctx); err != nil {
		// No id: startup faults are fatal for the whole bridge.
		h.send(ctx, errorResponse{Err: err.Error()})
		return
	}
	h.send(ctx, readyEvent{})

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-h.reqCh:
			if !ok {
				return
			}
			h.send(ctx, h.dispatch(ctx, req))
		}
	}
}

// start brings up the engine exactly once. Repeated calls while ready
// are no-ops; a failed start is terminal for this host incarnation.
func (h *host) start(ctx context.Context) error {
	switch h.state {
	case hostReady:
		return nil
	case hostFailed:
		return fmt.Errorf("engine %s previously failed to start", h.eng.Name())
	}
	h.state = hostInitializing

	progress := func(stage string) {
		h.send(ctx, progressEvent{Stage: stage})
	}
	if err := h.start1(ctx, progress); err != nil {
		h.state = hostFailed
		return err
	}
	h.state = hostReady
	return nil
}

// start1 isolates the engine call so a panicking Start is reported as a
// startup failure rather than killing the process.
func (h *host) start1(ctx context.Context, progress func(string)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine start panicked: %v", r)
		}
	}()
	return h.eng.Start(ctx, progress)
}

func (h *host) shutdown() {
	if h.state != hostReady {
		return
	}
	h.state = hostUninitialized
	h.resources.Clear()
	if err := h.eng.Shutdown(context.Background()); err != nil {
		h.log.Warn("engine shutdown failed", "engine", h.eng.Name(), "error", err)
	}
}

// dispatch handles one request and builds its response. Panics are
// caught and converted into an errorResponse carrying the request id,
// so a misbehaving handler rejects one call instead of the bridge.
func (h *host) dispatch(ctx context.Context, req request) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panicked", "id", req.callID(), "panic", r)
			resp = errorResponse{ID: req.callID(), Err: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()

	switch req := req.(type) {
	case executeRequest:
		return executeResponse{ID: req.ID, Result: h.execute(ctx, req)}

	case registerResourceRequest:
		if err := h.register(ctx, req.Resource); err != nil {
			return errorResponse{ID: req.ID, Err: err.Error()}
		}
		return resourceResponse{ID: req.ID, Resources: h.resources.List()}

	case unregisterResourceRequest:
		if err := h.unregister(ctx, req.Name); err != nil {
			return errorResponse{ID: req.ID, Err: err.Error()}
		}
		return resourceResponse{ID: req.ID, Resources: h.resources.List()}

	case describeResourceRequest:
		// The store is authoritative: unknown names are rejected here
		// without entering the engine.
		if _, err := h.resources.Get(req.Name); err != nil {
			return errorResponse{ID: req.ID, Err: err.Error()}
		}
		schema, err := h.eng.DescribeResource(ctx, req.Name)
		if err != nil {
			return errorResponse{ID: req.ID, Err: err.Error()}
		}
		return describeResponse{ID: req.ID, Schema: schema}

	case statusRequest:
		return statusResponse{ID: req.ID, Engine: h.eng.Name(), Resources: h.resources.Len()}

	default:
		return errorResponse{ID: req.callID(), Err: fmt.Sprintf("unknown request type %T", req)}
	}
}

// execute opens a per-call capture window around the engine call.
// Whatever the interpreter printed is included even on failure, and an
// engine fault becomes data, never an error response.
func (h *host) execute(ctx context.Context, req executeRequest) engine.ExecutionResult {
	var stdout, stderr bytes.Buffer

	callCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	start := time.Now()
	output, err := h.eng.Execute(callCtx, engine.Call{
		Source: req.Source,
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := engine.ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Output = output
	return result
}

func (h *host) register(ctx context.Context, res resource.Resource) error {
	if err := h.resources.Put(res); err != nil {
		return err
	}
	if err := h.eng.RegisterResource(ctx, res); err != nil {
		h.resources.Remove(res.Name)
		return fmt.Errorf("register %q: %w", res.Name, err)
	}
	return nil
}

func (h *host) unregister(ctx context.Context, name string) error {
	if err := h.resources.Remove(name); err != nil {
		return err
	}
	if err := h.eng.UnregisterResource(ctx, name); err != nil {
		return fmt.Errorf("unregister %q: %w", name, err)
	}
	return nil
}

// send delivers a response unless the host has been cancelled. A
// cancelled host discards its output; the coordinator has already
// rejected the matching calls.
func (h *host) send(ctx context.Context, resp response) {
	select {
	case h.respCh <- resp:
	case <-ctx.Done():
	}
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// Bridge is the caller-facing coordinator. It lazily spins up an
// execution host, correlates requests with responses by id, enforces
// per-call deadlines, and exposes lifecycle notifications. All methods
// are safe for concurrent use; the bridge itself never blocks anything
// but the calling goroutine.
type Bridge struct {
	newEngine engine.Factory
	cfg       bridgeConfig
	ids       *idMinter
	status    *statusNotifier

	mu      sync.Mutex
	init    *initState
	conn    *hostConn
	gen     uint64
	pending map[CallID]*pendingCall
	mirror  map[string]resource.Info
}

// initState is the cached single-flight init future. Concurrent Init
// callers wait on done and read err afterwards; the state survives
// until Terminate so a failed init stays failed.
type initState struct {
	done     chan struct{}
	err      error
	finished bool
}

// hostConn is one host incarnation. gen tags responses so that
// leftovers from a terminated host are dropped.
type hostConn struct {
	gen    uint64
	reqCh  chan request
	cancel context.CancelFunc
}

type callOutcome struct {
	resp response
	err  error
}

// pendingCall tracks one outstanding request. Whoever removes the entry
// from the table owns its resolution; the outcome channel is buffered
// so delivery never blocks.
type pendingCall struct {
	id CallID
	ch chan callOutcome
}

// HostInfo is the host's answer to a status request.
type HostInfo struct {
	Engine    string
	Resources int
}

// New creates a Bridge around an engine factory. The factory runs once
// per host incarnation: on first use, and again after Terminate.
func New(factory engine.Factory, opts ...Option) *Bridge {
	cfg := defaultBridgeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{
		newEngine: factory,
		cfg:       cfg,
		ids:       newIDMinter(),
		status:    newStatusNotifier(),
		pending:   make(map[CallID]*pendingCall),
		mirror:    make(map[string]resource.Info),
	}
}

// Init starts the execution host if it is not already running.
// Idempotent and concurrency-safe: callers arriving while a start is in
// flight join it rather than spawning a second host, and all of them
// observe the same outcome. After a failed init the bridge stays in
// StatusError until Terminate.
func (b *Bridge) Init(ctx context.Context) error {
	st := b.ensureInit()
	select {
	case <-st.done:
		b.mu.Lock()
		err := st.err
		b.mu.Unlock()
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

func (b *Bridge) ensureInit() *initState {
	b.mu.Lock()
	if b.init != nil {
		st := b.init
		b.mu.Unlock()
		return st
	}

	st := &initState{done: make(chan struct{})}
	b.init = st

	eng, err := b.newEngine()
	if err != nil {
		st.err = &InitError{Cause: err}
		st.finished = true
		close(st.done)
		gen := b.gen
		b.mu.Unlock()
		guard := func() bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return b.gen == gen
		}
		b.status.setIf(guard, StatusLoading, "")
		b.status.setIf(guard, StatusError, "")
		return st
	}

	b.gen++
	hostCtx, cancel := context.WithCancel(context.Background())
	store := resource.NewStore(b.cfg.storeOptions...)
	h := newHost(eng, store, b.cfg.queueSize, b.cfg.logger)
	conn := &hostConn{gen: b.gen, reqCh: h.reqCh, cancel: cancel}
	b.conn = conn
	b.mu.Unlock()

	b.cfg.logger.Info("starting execution host", "engine", eng.Name(), "generation", conn.gen)
	b.status.setIf(b.generationCurrent(conn), StatusLoading, "")
	go h.run(hostCtx)
	go b.dispatchLoop(conn, h.respCh)
	return st
}

// dispatchLoop demultiplexes host responses onto pending calls. It is
// the only reader of respCh; a close means the host is gone.
func (b *Bridge) dispatchLoop(conn *hostConn, respCh <-chan response) {
	for resp := range respCh {
		switch resp := resp.(type) {
		case readyEvent:
			b.onHostReady(conn)
		case progressEvent:
			b.onHostProgress(conn, resp.Stage)
		case errorResponse:
			if resp.ID == "" {
				b.onHostFatal(conn, errors.New(resp.Err))
				continue
			}
			b.resolve(conn, resp.ID, callOutcome{err: &HostError{Msg: resp.Err}})
		case resourceResponse:
			b.updateMirror(conn, resp.Resources)
			b.resolve(conn, resp.ID, callOutcome{resp: resp})
		default:
			b.resolve(conn, resp.callID(), callOutcome{resp: resp})
		}
	}
	b.onHostExited(conn)
}

// generationCurrent guards a status publication: it holds only while
// conn is still the live host incarnation. Terminate bumps the
// generation, so a stale host's publications are suppressed atomically
// with the status transition.
func (b *Bridge) generationCurrent(conn *hostConn) func() bool {
	return func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.gen == conn.gen
	}
}

// onHostReady publishes StatusReady before completing the init future,
// so callers returning from Init observe the new status.
func (b *Bridge) onHostReady(conn *hostConn) {
	b.status.setIf(b.generationCurrent(conn), StatusReady, "")

	b.mu.Lock()
	if b.gen == conn.gen {
		b.finishInitLocked(nil)
	}
	b.mu.Unlock()
}

func (b *Bridge) onHostProgress(conn *hostConn, stage string) {
	b.cfg.logger.Debug("host loading", "stage", stage)
	b.status.setIf(b.generationCurrent(conn), StatusLoading, stage)
}

// onHostFatal handles a fault raised outside any specific call: the
// whole bridge moves to StatusError and every pending call is rejected.
func (b *Bridge) onHostFatal(conn *hostConn, cause error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	starting := b.init != nil && !b.init.finished
	var err error
	if starting {
		err = &InitError{Cause: cause}
	} else {
		err = &TransportError{Cause: cause}
		if b.init != nil && b.init.err == nil {
			b.init.err = err
		}
	}
	rejected := b.takePendingLocked()
	b.mu.Unlock()

	conn.cancel()
	b.cfg.logger.Error("execution host failed", "error", cause)
	for _, pc := range rejected {
		pc.ch <- callOutcome{err: err}
	}
	b.status.setIf(b.generationCurrent(conn), StatusError, "")

	// Complete the init future last so joiners returning from Init see
	// StatusError already published.
	if starting {
		b.mu.Lock()
		if b.gen == conn.gen {
			b.finishInitLocked(err)
		}
		b.mu.Unlock()
	}
}

// onHostExited runs when the host's response channel closes. Expected
// after Terminate; otherwise it is transport loss.
func (b *Bridge) onHostExited(conn *hostConn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	starting := b.init != nil && !b.init.finished
	err := error(&TransportError{Cause: errors.New("execution host exited")})
	if starting {
		err = &InitError{Cause: errors.New("execution host exited during startup")}
	} else if b.init != nil && b.init.err == nil {
		b.init.err = err
	}
	rejected := b.takePendingLocked()
	b.mu.Unlock()

	b.cfg.logger.Error("execution host exited unexpectedly")
	for _, pc := range rejected {
		pc.ch <- callOutcome{err: err}
	}
	b.status.setIf(b.generationCurrent(conn), StatusError, "")

	if starting {
		b.mu.Lock()
		if b.gen == conn.gen {
			b.finishInitLocked(err)
		}
		b.mu.Unlock()
	}
}

// finishInitLocked completes the cached init future at most once. The
// recorded error sticks until Terminate clears the incarnation, so
// later Init and roundTrip callers fail fast with the same outcome.
func (b *Bridge) finishInitLocked(err error) {
	if b.init == nil || b.init.finished {
		return
	}
	b.init.err = err
	b.init.finished = true
	close(b.init.done)
}

func (b *Bridge) takePendingLocked() []*pendingCall {
	taken := make([]*pendingCall, 0, len(b.pending))
	for _, pc := range b.pending {
		taken = append(taken, pc)
	}
	b.pending = make(map[CallID]*pendingCall)
	return taken
}

// resolve routes a response to its pending call. Responses for unknown
// ids (expired, cancelled, or from a previous host generation) are
// silently dropped; from the caller's perspective that call already
// completed.
func (b *Bridge) resolve(conn *hostConn, id CallID, out callOutcome) {
	b.mu.Lock()
	if conn.gen != b.gen {
		b.mu.Unlock()
		return
	}
	pc, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		b.cfg.logger.Debug("dropping late response", "id", id)
		return
	}
	pc.ch <- out
}

func (b *Bridge) updateMirror(conn *hostConn, infos []resource.Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn.gen != b.gen {
		return
	}
	b.mirror = make(map[string]resource.Info, len(infos))
	for _, info := range infos {
		b.mirror[info.Name] = info
	}
}

// roundTrip implements the shared correlation discipline: implicit
// init, mint an id, insert a pending entry, then race the send and the
// response against the deadline and the caller's context. Exactly one
// of response, timeout, or cancellation resolves the call.
func (b *Bridge) roundTrip(ctx context.Context, req request, timeout time.Duration) (response, error) {
	if err := b.Init(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	conn := b.conn
	var incarnationErr error
	if b.init != nil {
		incarnationErr = b.init.err
	}
	if conn == nil || incarnationErr != nil {
		b.mu.Unlock()
		if incarnationErr != nil {
			return nil, incarnationErr
		}
		return nil, ErrTerminated
	}
	pc := &pendingCall{id: req.callID(), ch: make(chan callOutcome, 1)}
	b.pending[pc.id] = pc
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// The deadline covers queue wait too: when the host is saturated and
	// the request cannot be enqueued before the timer fires, the call
	// times out like any other.
	select {
	case conn.reqCh <- req:
	case out := <-pc.ch:
		// Terminate or a host fault resolved the call while it was
		// still waiting to be enqueued.
		return out.resp, out.err
	case <-timer.C:
		if b.removePending(pc) {
			return nil, ErrTimeout
		}
		out := <-pc.ch
		return out.resp, out.err
	case <-ctx.Done():
		if b.removePending(pc) {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		out := <-pc.ch
		return out.resp, out.err
	}

	select {
	case out := <-pc.ch:
		return out.resp, out.err
	case <-timer.C:
		if b.removePending(pc) {
			return nil, ErrTimeout
		}
		// Lost the race: a resolution was already delivered.
		out := <-pc.ch
		return out.resp, out.err
	case <-ctx.Done():
		if b.removePending(pc) {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		out := <-pc.ch
		return out.resp, out.err
	}
}

// removePending claims ownership of a call's resolution. It reports
// false when someone else (response, terminate, fatal) got there first.
func (b *Bridge) removePending(pc *pendingCall) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.pending[pc.id]
	if !ok || cur != pc {
		return false
	}
	delete(b.pending, pc.id)
	return true
}

// Execute runs source code on the engine. Interpreter faults resolve
// successfully with Success false; only infrastructure faults (timeout,
// cancellation, termination, transport loss) return an error.
func (b *Bridge) Execute(ctx context.Context, source string, opts ...CallOption) (engine.ExecutionResult, error) {
	cfg := callConfig{timeout: b.cfg.execTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	req := executeRequest{ID: b.ids.next(), Source: source}
	if cfg.interrupt {
		req.Deadline = time.Now().Add(cfg.timeout)
	}

	resp, err := b.roundTrip(ctx, req, cfg.timeout)
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	return resp.(executeResponse).Result, nil
}

// RegisterResource transfers a payload to the execution host under a
// name. The payload slice is handed over, not copied; the caller must
// not modify it afterwards. Re-registering a name overwrites it.
func (b *Bridge) RegisterResource(ctx context.Context, name string, payload []byte, kind resource.Kind, opts ...CallOption) error {
	cfg := callConfig{timeout: b.cfg.registerTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	req := registerResourceRequest{
		ID:       b.ids.next(),
		Resource: resource.Resource{Name: name, Kind: kind, Payload: payload},
	}
	_, err := b.roundTrip(ctx, req, cfg.timeout)
	return err
}

// UnregisterResource removes a registered resource.
func (b *Bridge) UnregisterResource(ctx context.Context, name string, opts ...CallOption) error {
	cfg := callConfig{timeout: b.cfg.registerTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	_, err := b.roundTrip(ctx, unregisterResourceRequest{ID: b.ids.next(), Name: name}, cfg.timeout)
	return err
}

// DescribeResource reports the schema of a registered resource.
func (b *Bridge) DescribeResource(ctx context.Context, name string, opts ...CallOption) (engine.Schema, error) {
	cfg := callConfig{timeout: b.cfg.execTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	resp, err := b.roundTrip(ctx, describeResourceRequest{ID: b.ids.next(), Name: name}, cfg.timeout)
	if err != nil {
		return engine.Schema{}, err
	}
	return resp.(describeResponse).Schema, nil
}

// HostInfo asks the running host for its engine name and resource
// count.
func (b *Bridge) HostInfo(ctx context.Context, opts ...CallOption) (HostInfo, error) {
	cfg := callConfig{timeout: b.cfg.execTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	resp, err := b.roundTrip(ctx, statusRequest{ID: b.ids.next()}, cfg.timeout)
	if err != nil {
		return HostInfo{}, err
	}
	sr := resp.(statusResponse)
	return HostInfo{Engine: sr.Engine, Resources: sr.Resources}, nil
}

// Status reports the coordinator-side lifecycle state.
func (b *Bridge) Status() Status {
	return b.status.get()
}

// OnStatusChange registers an observer invoked synchronously on every
// status transition, plus progress messages while loading. Observers
// must return promptly and must not call back into the Bridge. The
// returned function unsubscribes it.
func (b *Bridge) OnStatusChange(fn StatusFunc) func() {
	return b.status.subscribe(fn)
}

// ListResources returns the coordinator's read-only mirror of the
// host's resource table, sorted by name. It may be briefly stale but is
// corrected on every register/unregister response.
func (b *Bridge) ListResources() []resource.Info {
	b.mu.Lock()
	infos := make([]resource.Info, 0, len(b.mirror))
	for _, info := range b.mirror {
		infos = append(infos, info)
	}
	b.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// PendingCalls reports how many calls are outstanding.
func (b *Bridge) PendingCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Terminate tears down the execution host, rejects every pending call
// with ErrTerminated, clears the resource mirror and the cached init
// future, and resets status to StatusIdle. Safe to call repeatedly,
// from any status, and while an init is still in flight.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.finishInitLocked(ErrTerminated)
	b.init = nil
	b.gen++
	gen := b.gen
	rejected := b.takePendingLocked()
	b.mirror = make(map[string]resource.Info)
	b.mu.Unlock()

	if conn != nil {
		conn.cancel()
	}
	for _, pc := range rejected {
		pc.ch <- callOutcome{err: ErrTerminated}
	}
	// Guarded so a re-init racing this teardown keeps its own status.
	b.status.setIf(func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.gen == gen
	}, StatusIdle, "")
}

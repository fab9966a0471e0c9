package bridge

import (
	"sync"
	"sync/atomic"
)

// Status is the coordinator-side lifecycle state.
type Status int32

const (
	// StatusIdle means no execution host exists.
	StatusIdle Status = iota
	// StatusLoading means the host is starting up.
	StatusLoading
	// StatusReady means the host accepts calls.
	StatusReady
	// StatusError means the host failed to start or its transport was
	// lost. Terminate returns the bridge to StatusIdle.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusFunc observes status transitions. During StatusLoading it may
// additionally be invoked with a progress message and an unchanged
// status. Callbacks run synchronously and must not call back into the
// Bridge.
type StatusFunc func(s Status, msg string)

// statusNotifier holds the current status and a subscriber list.
// Transitions are serialized: the guard check, the status update, and
// the callback invocations for one transition all complete before the
// next transition starts, so observers see transitions in order.
type statusNotifier struct {
	current atomic.Int32

	// emitMu serializes transitions end to end, callbacks included.
	emitMu sync.Mutex

	mu     sync.Mutex
	nextID int
	subs   map[int]StatusFunc
}

func newStatusNotifier() *statusNotifier {
	return &statusNotifier{subs: make(map[int]StatusFunc)}
}

func (n *statusNotifier) get() Status {
	return Status(n.current.Load())
}

// set transitions to s and notifies subscribers. Setting the current
// status again notifies only when msg is non-empty (loading progress).
func (n *statusNotifier) set(s Status, msg string) {
	n.setIf(nil, s, msg)
}

// setIf transitions to s only while guard still holds. The guard runs
// with the transition lock held, so a check like "this host incarnation
// is still current" and the publication are atomic with respect to
// every other transition.
func (n *statusNotifier) setIf(guard func() bool, s Status, msg string) {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()

	if guard != nil && !guard() {
		return
	}
	changed := Status(n.current.Load()) != s
	n.current.Store(int32(s))
	if !changed && msg == "" {
		return
	}

	n.mu.Lock()
	fns := make([]StatusFunc, 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(s, msg)
	}
}

func (n *statusNotifier) subscribe(fn StatusFunc) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

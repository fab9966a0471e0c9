package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// Mock implements Engine for testing bridge logic without the overhead
// of a real interpreter. Zero value fields give a well-behaved engine
// that echoes its input; override individual fields to script failures
// and delays.
type Mock struct {
	// EngineName overrides Name(); defaults to "mock".
	EngineName string
	// StartStages are reported through the progress callback, in order.
	StartStages []string
	// StartDelay is slept inside Start.
	StartDelay time.Duration
	// StartErr, when set, makes Start fail.
	StartErr error
	// ExecFunc replaces the default echo behavior.
	ExecFunc func(ctx context.Context, call Call) (any, error)

	mu        sync.Mutex
	starts    int
	shutdowns int
	resources map[string]resource.Resource

	// inFlight tracks concurrent Execute entries so tests can assert
	// the host never overlaps calls.
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *Mock) Name() string {
	if m.EngineName != "" {
		return m.EngineName
	}
	return "mock"
}

func (m *Mock) Start(ctx context.Context, progress func(stage string)) error {
	m.mu.Lock()
	m.starts++
	m.resources = make(map[string]resource.Resource)
	m.mu.Unlock()

	for _, stage := range m.StartStages {
		progress(stage)
	}
	if m.StartDelay > 0 {
		select {
		case <-time.After(m.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.StartErr
}

func (m *Mock) Execute(ctx context.Context, call Call) (any, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		prev := m.maxInFlight.Load()
		if n <= prev || m.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, call)
	}
	fmt.Fprintln(call.Stdout, call.Source)
	return call.Source, nil
}

func (m *Mock) RegisterResource(ctx context.Context, res resource.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[res.Name] = res
	return nil
}

func (m *Mock) UnregisterResource(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[name]; !ok {
		return fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}
	delete(m.resources, name)
	return nil
}

func (m *Mock) DescribeResource(ctx context.Context, name string) (Schema, error) {
	m.mu.Lock()
	res, ok := m.resources[name]
	m.mu.Unlock()
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}
	return InferSchema(res)
}

func (m *Mock) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdowns++
	m.mu.Unlock()
	return nil
}

// Starts reports how many times Start has been called.
func (m *Mock) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Shutdowns reports how many times Shutdown has been called.
func (m *Mock) Shutdowns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdowns
}

// MaxInFlight reports the highest number of concurrent Execute calls
// observed.
func (m *Mock) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

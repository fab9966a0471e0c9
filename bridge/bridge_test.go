package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ScriptSmith/hadrian-sub007/bridge"
	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

func newMockBridge(mock *engine.Mock, opts ...bridge.Option) *bridge.Bridge {
	return bridge.New(func() (engine.Engine, error) { return mock, nil }, opts...)
}

func TestExecuteEcho(t *testing.T) {
	b := newMockBridge(&engine.Mock{})
	defer b.Terminate()

	result, err := b.Execute(context.Background(), "2+2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Output != "2+2" {
		t.Errorf("output = %v, want 2+2", result.Output)
	}
	if strings.TrimSpace(result.Stdout) != "2+2" {
		t.Errorf("stdout = %q, want echoed source", result.Stdout)
	}
	if b.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", b.PendingCalls())
	}
}

func TestExecuteFaultIsData(t *testing.T) {
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			fmt.Fprintln(call.Stdout, "partial output")
			return nil, errors.New("syntax error near line 1")
		},
	}
	b := newMockBridge(mock)
	defer b.Terminate()

	result, err := b.Execute(context.Background(), "bad code")
	if err != nil {
		t.Fatalf("interpreter fault must not reject the call: %v", err)
	}
	if result.Success {
		t.Fatal("expected Success false")
	}
	if !strings.Contains(result.Error, "syntax error") {
		t.Errorf("error = %q, want interpreter diagnostic", result.Error)
	}
	if !strings.Contains(result.Stdout, "partial output") {
		t.Errorf("stdout lost on failure: %q", result.Stdout)
	}
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			<-release
			return "late", nil
		},
	}
	b := newMockBridge(mock)
	defer b.Terminate()
	defer close(release)

	start := time.Now()
	_, err := b.Execute(context.Background(), "loop forever", bridge.WithTimeout(100*time.Millisecond))
	if !errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, want ~100ms", elapsed)
	}
	if b.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", b.PendingCalls())
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	// The first call blocks until released; subsequent calls echo.
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			if first.CompareAndSwap(true, false) {
				<-release
				return "late", nil
			}
			return call.Source, nil
		},
	}

	b := newMockBridge(mock)
	defer b.Terminate()

	_, err := b.Execute(context.Background(), "slow", bridge.WithTimeout(50*time.Millisecond))
	if !errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// Let the host finish the expired call, then issue a fresh one. The
	// late response must not leak into the new call.
	close(release)
	result, err := b.Execute(context.Background(), "fresh", bridge.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "fresh" {
		t.Errorf("output = %v, want fresh (late response must be dropped)", result.Output)
	}
	if b.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", b.PendingCalls())
	}
}

func TestTimeoutCoversQueueWait(t *testing.T) {
	release := make(chan struct{})
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			<-release
			return nil, nil
		},
	}
	b := newMockBridge(mock, bridge.WithQueueSize(1))

	// Saturate the host: one call executing, the rest occupying the
	// queue and the send.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute(context.Background(), "hold", bridge.WithTimeout(30*time.Second))
		}()
	}
	deadline := time.Now().Add(5 * time.Second)
	for b.PendingCalls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.PendingCalls() != 3 {
		t.Fatalf("pending calls = %d, want 3", b.PendingCalls())
	}

	// The deadline must cut this call off at ~100ms even though it never
	// reaches the host.
	start := time.Now()
	_, err := b.Execute(context.Background(), "waits in line", bridge.WithTimeout(100*time.Millisecond))
	if !errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout fired after %v, want ~100ms", elapsed)
	}

	b.Terminate()
	close(release)
	wg.Wait()
}

func TestExecuteCancellation(t *testing.T) {
	release := make(chan struct{})
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			<-release
			return nil, nil
		},
	}
	b := newMockBridge(mock)
	defer b.Terminate()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := b.Execute(ctx, "anything")
	if !errors.Is(err, bridge.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if b.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", b.PendingCalls())
	}
}

func TestConcurrentExecutesResolveOwnResults(t *testing.T) {
	b := newMockBridge(&engine.Mock{})
	defer b.Terminate()

	const n = 50
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := fmt.Sprintf("call-%d", i)
			result, err := b.Execute(context.Background(), source, bridge.WithTimeout(10*time.Second))
			if err != nil {
				errCh <- err
				return
			}
			if result.Output != source {
				errCh <- fmt.Errorf("cross-resolution: sent %q, got %v", source, result.Output)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Error(err)
	}
	if b.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", b.PendingCalls())
	}
}

func TestInitSingleFlight(t *testing.T) {
	mock := &engine.Mock{StartDelay: 50 * time.Millisecond}
	var factoryCalls int32
	b := bridge.New(func() (engine.Engine, error) {
		atomic.AddInt32(&factoryCalls, 1)
		return mock, nil
	})
	defer b.Terminate()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Init(context.Background()); err != nil {
				t.Errorf("init failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&factoryCalls); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if mock.Starts() != 1 {
		t.Errorf("engine started %d times, want 1", mock.Starts())
	}
	if b.Status() != bridge.StatusReady {
		t.Errorf("status = %v, want ready", b.Status())
	}
}

func TestInitFailureBroadcast(t *testing.T) {
	mock := &engine.Mock{
		StartDelay: 20 * time.Millisecond,
		StartErr:   errors.New("runtime download failed"),
	}
	b := newMockBridge(mock)
	defer b.Terminate()

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Init(context.Background())
		}(i)
	}
	wg.Wait()

	var initErr *bridge.InitError
	for i, err := range errs {
		if !errors.As(err, &initErr) {
			t.Errorf("caller %d: err = %v, want InitError", i, err)
		}
	}
	if b.Status() != bridge.StatusError {
		t.Errorf("status = %v, want error", b.Status())
	}

	// The failure is cached until Terminate.
	if _, err := b.Execute(context.Background(), "x"); !errors.As(err, &initErr) {
		t.Errorf("execute after failed init: err = %v, want InitError", err)
	}
}

func TestTerminateRejectsPending(t *testing.T) {
	release := make(chan struct{})
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			<-release
			return nil, nil
		},
	}
	b := newMockBridge(mock)
	defer close(release)

	const k = 5
	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Execute(context.Background(), "blocked", bridge.WithTimeout(30*time.Second))
		}(i)
	}

	// Wait until all calls are in the table.
	deadline := time.Now().Add(5 * time.Second)
	for b.PendingCalls() < k && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.PendingCalls() != k {
		t.Fatalf("pending calls = %d, want %d", b.PendingCalls(), k)
	}

	b.Terminate()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, bridge.ErrTerminated) {
			t.Errorf("call %d: err = %v, want ErrTerminated", i, err)
		}
	}
	if b.Status() != bridge.StatusIdle {
		t.Errorf("status = %v, want idle", b.Status())
	}
	if b.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", b.PendingCalls())
	}
}

func TestTerminateThenFreshInit(t *testing.T) {
	mock := &engine.Mock{}
	b := newMockBridge(mock)
	defer b.Terminate()

	ctx := context.Background()
	if err := b.RegisterResource(ctx, "r1", []byte("a,b\n1,2\n"), resource.KindCSV); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(b.ListResources()) != 1 {
		t.Fatalf("resources = %d, want 1", len(b.ListResources()))
	}

	b.Terminate()
	if len(b.ListResources()) != 0 {
		t.Errorf("mirror not cleared on terminate")
	}

	// A new call restarts the host with an empty registry.
	info, err := b.HostInfo(ctx)
	if err != nil {
		t.Fatalf("host info after restart: %v", err)
	}
	if info.Resources != 0 {
		t.Errorf("fresh host has %d resources, want 0", info.Resources)
	}
	if mock.Starts() != 2 {
		t.Errorf("engine started %d times, want 2", mock.Starts())
	}

	// The old host shuts its engine down asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for mock.Shutdowns() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mock.Shutdowns() != 1 {
		t.Errorf("engine shut down %d times, want 1", mock.Shutdowns())
	}
}

func TestTerminateDuringStartupStaysIdle(t *testing.T) {
	mock := &engine.Mock{StartDelay: 20 * time.Millisecond}
	b := newMockBridge(mock)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Init(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for b.Status() != bridge.StatusLoading && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b.Status() != bridge.StatusLoading {
		t.Fatal("host never entered loading")
	}

	b.Terminate()
	if err := <-errCh; err != nil && !errors.Is(err, bridge.ErrTerminated) {
		t.Fatalf("init err = %v, want nil or ErrTerminated", err)
	}

	// The abandoned host may still broadcast ready or error after the
	// terminate; neither may resurrect the status.
	settle := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(settle) {
		if s := b.Status(); s != bridge.StatusIdle {
			t.Fatalf("status after terminate = %v, want idle", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTerminateIsReentrant(t *testing.T) {
	b := newMockBridge(&engine.Mock{})
	b.Terminate()
	b.Terminate()
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init after double terminate: %v", err)
	}
	b.Terminate()
	if b.Status() != bridge.StatusIdle {
		t.Errorf("status = %v, want idle", b.Status())
	}
}

func TestResourceLifecycle(t *testing.T) {
	b := newMockBridge(&engine.Mock{})
	defer b.Terminate()
	ctx := context.Background()

	payload := []byte("name,age\nalice,30\nbob,25\n")
	if err := b.RegisterResource(ctx, "people", payload, resource.KindCSV); err != nil {
		t.Fatalf("register: %v", err)
	}

	infos := b.ListResources()
	if len(infos) != 1 || infos[0].Name != "people" {
		t.Fatalf("mirror = %+v, want people", infos)
	}
	if infos[0].Size != int64(len(payload)) {
		t.Errorf("mirror size = %d, want %d", infos[0].Size, len(payload))
	}

	schema, err := b.DescribeResource(ctx, "people")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(schema.Columns) != 2 || schema.Columns[0].Name != "name" || schema.Columns[1].Name != "age" {
		t.Errorf("schema columns = %+v", schema.Columns)
	}

	if err := b.UnregisterResource(ctx, "people"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if len(b.ListResources()) != 0 {
		t.Errorf("mirror not corrected after unregister")
	}

	var hostErr *bridge.HostError
	if _, err := b.DescribeResource(ctx, "people"); !errors.As(err, &hostErr) {
		t.Errorf("describe after unregister: err = %v, want HostError", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	b := newMockBridge(&engine.Mock{})
	defer b.Terminate()
	ctx := context.Background()

	var hostErr *bridge.HostError
	if err := b.RegisterResource(ctx, "", []byte("x"), resource.KindText); !errors.As(err, &hostErr) {
		t.Errorf("empty name: err = %v, want HostError", err)
	}
	if err := b.RegisterResource(ctx, "r1", nil, resource.KindText); !errors.As(err, &hostErr) {
		t.Errorf("empty payload: err = %v, want HostError", err)
	}
}

func TestEnginePanicRejectsOnlyThatCall(t *testing.T) {
	var calls atomic.Int32
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			if calls.Add(1) == 1 {
				panic("interpreter exploded")
			}
			return call.Source, nil
		},
	}
	b := newMockBridge(mock)
	defer b.Terminate()
	ctx := context.Background()

	var hostErr *bridge.HostError
	if _, err := b.Execute(ctx, "boom"); !errors.As(err, &hostErr) {
		t.Fatalf("err = %v, want HostError", err)
	}

	// The bridge survives: the next call succeeds.
	result, err := b.Execute(ctx, "ok")
	if err != nil {
		t.Fatalf("bridge did not survive handler panic: %v", err)
	}
	if result.Output != "ok" {
		t.Errorf("output = %v, want ok", result.Output)
	}
	if b.Status() != bridge.StatusReady {
		t.Errorf("status = %v, want ready", b.Status())
	}
}

func TestStatusTransitions(t *testing.T) {
	mock := &engine.Mock{StartStages: []string{"loading runtime", "loading extensions"}}
	b := newMockBridge(mock)
	defer b.Terminate()

	var mu sync.Mutex
	var seen []string
	unsubscribe := b.OnStatusChange(func(s bridge.Status, msg string) {
		mu.Lock()
		defer mu.Unlock()
		if msg != "" {
			seen = append(seen, s.String()+":"+msg)
		} else {
			seen = append(seen, s.String())
		}
	})
	defer unsubscribe()

	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	mu.Lock()
	got := strings.Join(seen, ",")
	mu.Unlock()
	want := "loading,loading:loading runtime,loading:loading extensions,ready"
	if got != want {
		t.Errorf("transitions = %q, want %q", got, want)
	}

	b.Terminate()
	mu.Lock()
	last := seen[len(seen)-1]
	mu.Unlock()
	if last != "idle" {
		t.Errorf("last transition = %q, want idle", last)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	b := newMockBridge(&engine.Mock{})
	defer b.Terminate()

	var count atomic.Int32
	unsubscribe := b.OnStatusChange(func(s bridge.Status, msg string) {
		count.Add(1)
	})
	unsubscribe()

	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if count.Load() != 0 {
		t.Errorf("unsubscribed observer was notified %d times", count.Load())
	}
}

func TestHostInfo(t *testing.T) {
	b := newMockBridge(&engine.Mock{EngineName: "testengine"})
	defer b.Terminate()
	ctx := context.Background()

	if err := b.RegisterResource(ctx, "r1", []byte("data"), resource.KindText); err != nil {
		t.Fatalf("register: %v", err)
	}
	info, err := b.HostInfo(ctx)
	if err != nil {
		t.Fatalf("host info: %v", err)
	}
	if info.Engine != "testengine" {
		t.Errorf("engine = %q, want testengine", info.Engine)
	}
	if info.Resources != 1 {
		t.Errorf("resources = %d, want 1", info.Resources)
	}
}

func TestInterruptStopsHostSideWork(t *testing.T) {
	mock := &engine.Mock{
		ExecFunc: func(ctx context.Context, call engine.Call) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	b := newMockBridge(mock)
	defer b.Terminate()

	start := time.Now()
	_, err := b.Execute(context.Background(), "spin",
		bridge.WithTimeout(100*time.Millisecond), bridge.WithInterrupt())
	if !errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// With the interrupt forwarded, the engine observes the deadline and
	// the host frees up quickly for the next call.
	result, err := b.Execute(context.Background(), "next", bridge.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("follow-up call failed: %v", err)
	}
	if !result.Success {
		t.Errorf("follow-up not successful: %q", result.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("host stayed busy for %v after interrupt", elapsed)
	}
}

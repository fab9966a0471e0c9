package bridge

import "errors"

var (
	// ErrTimeout means the per-call deadline elapsed before the host
	// responded. The host may still be working; its late response is
	// discarded.
	ErrTimeout = errors.New("bridge: call timed out")

	// ErrCancelled means the caller's context was done before the host
	// responded. Cancellation stops listening, not computing.
	ErrCancelled = errors.New("bridge: call cancelled")

	// ErrTerminated means the bridge was torn down while the call was
	// pending.
	ErrTerminated = errors.New("bridge: terminated")
)

// InitError reports that the execution host failed to start. Every
// caller joined on the same in-flight init receives the same value.
type InitError struct {
	Cause error
}

func (e *InitError) Error() string {
	return "bridge: execution host failed to start: " + e.Cause.Error()
}

func (e *InitError) Unwrap() error { return e.Cause }

// TransportError reports that the host side failed outside any specific
// call (host goroutine exited, startup crash). It is always
// bridge-fatal: status moves to StatusError and every pending call is
// rejected with it.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return "bridge: transport failed: " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error { return e.Cause }

// HostError is a per-call failure reported by the execution host, such
// as an unknown resource name or a panic while handling the request.
// Interpreter-level execution faults do not use it; those travel as
// data in ExecutionResult.
type HostError struct {
	Msg string
}

func (e *HostError) Error() string { return "bridge: " + e.Msg }

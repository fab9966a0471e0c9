package bridge

import (
	"io"
	"log/slog"
	"time"

	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// Option configures a Bridge at creation time.
type Option func(*bridgeConfig)

type bridgeConfig struct {
	execTimeout     time.Duration
	registerTimeout time.Duration
	queueSize       int
	logger          *slog.Logger
	storeOptions    []resource.StoreOption
}

func defaultBridgeConfig() bridgeConfig {
	return bridgeConfig{
		execTimeout:     30 * time.Second,
		registerTimeout: 60 * time.Second,
		queueSize:       16,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithExecTimeout sets the default deadline for Execute calls.
func WithExecTimeout(d time.Duration) Option {
	return func(c *bridgeConfig) { c.execTimeout = d }
}

// WithRegisterTimeout sets the default deadline for resource
// registration calls. Registrations default to a longer deadline than
// executions to accommodate large payload transfer.
func WithRegisterTimeout(d time.Duration) Option {
	return func(c *bridgeConfig) { c.registerTimeout = d }
}

// WithQueueSize sets the depth of the request queue in front of the
// execution host.
func WithQueueSize(n int) Option {
	return func(c *bridgeConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithLogger attaches a structured logger. The bridge is silent by
// default.
func WithLogger(log *slog.Logger) Option {
	return func(c *bridgeConfig) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithMaxResourceSize caps the size of a single registered payload.
func WithMaxResourceSize(n int64) Option {
	return func(c *bridgeConfig) {
		c.storeOptions = append(c.storeOptions, resource.WithMaxPayloadSize(n))
	}
}

// WithMaxResources caps how many resources may be registered at once.
func WithMaxResources(n int) Option {
	return func(c *bridgeConfig) {
		c.storeOptions = append(c.storeOptions, resource.WithMaxEntries(n))
	}
}

// CallOption configures a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout   time.Duration
	interrupt bool
}

// WithTimeout overrides the default deadline for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithInterrupt asks the host to interrupt the engine when the call's
// deadline passes, instead of leaving it running after the coordinator
// has given up. Best effort; only effective for engines that honor
// context cancellation.
func WithInterrupt() CallOption {
	return func(c *callConfig) { c.interrupt = true }
}

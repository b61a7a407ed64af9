package puma

import (
	"log/slog"
	"time"
)

// RunnerState is the lifecycle state of a runner.
type RunnerState int32

const (
	// StateCreated means the runner exists but the worker has not spawned.
	StateCreated RunnerState = iota

	// StateStarting means the worker has spawned but not yet reported ready.
	StateStarting

	// StateRunning means the worker has entered its servicing loop.
	StateRunning

	// StateStopping means a stop has been issued and the worker is winding
	// down.
	StateStopping

	// StateStopped means the worker exited cleanly and has been joined.
	StateStopped

	// StateFailed means the worker exited with an error, or teardown timed
	// out.
	StateFailed
)

// String returns the state name.
func (s RunnerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Default runner tunables.
const (
	// DefaultChannelCapacity bounds the command and status channels.
	DefaultChannelCapacity = 10

	// DefaultJoinTimeout bounds the teardown join (see Runner.Join for what
	// happens on timeout).
	DefaultJoinTimeout = 30 * time.Second

	// DefaultStartTimeout bounds how long Start waits for the worker to
	// report ready.
	DefaultStartTimeout = 30 * time.Second
)

// Runner is the lifecycle shell around a runnable: it spawns the worker,
// owns its command and status channels, polls for errors, and guarantees
// orderly teardown.
//
// Callers are required to invoke CheckForErrors periodically; errors are
// also surfaced at Close if not yet observed, but that is a safety net, not
// the contract.
type Runner interface {
	// Name returns the runner's name.
	Name() string

	// State returns the current lifecycle state.
	State() RunnerState

	// Start spawns the worker and blocks until it reports ready or the
	// start timeout elapses.
	Start() error

	// Stop enqueues the stop command. The worker exits after its next loop
	// iteration.
	Stop() error

	// Join blocks until the worker has exited or the timeout elapses, in
	// which case ErrJoinTimeout is returned. On timeout a worker process is
	// killed; a goroutine worker cannot be killed and is only flagged to
	// abort, which its servicing loop checks between iterations.
	Join(timeout time.Duration) error

	// CheckForErrors drains the status channel and returns the worker's
	// terminal error, once, if it has failed.
	CheckForErrors() error

	// Invoke serialises a command onto the command channel for the
	// worker-side handler registered under method. It returns as soon as
	// the command is enqueued; commands have no in-band result.
	Invoke(method string, args ...any) error

	// SetTickInterval bridges RunnableCore.SetTickInterval into the worker.
	SetTickInterval(d time.Duration) error

	// ResumeTicks bridges RunnableCore.ResumeTicks into the worker.
	ResumeTicks() error

	// PauseTicks bridges RunnableCore.PauseTicks into the worker.
	PauseTicks() error

	// Close tears the runner down: stop if still running, join with the
	// bounded timeout, release channel endpoints, and surface any
	// outstanding error.
	Close() error
}

// RunnerOption customises a runner.
type RunnerOption func(*RunnerConfig)

// RunnerConfig carries the per-runner tunables resolved from options.
// Runner implementations in other packages resolve it with NewRunnerConfig.
type RunnerConfig struct {
	Name            string
	ChannelCapacity int
	JoinTimeout     time.Duration
	StartTimeout    time.Duration
	Logger          *slog.Logger
	Events          EventHandler
}

// NewRunnerConfig resolves runner options against the environment defaults.
func NewRunnerConfig(env Environment, opts []RunnerOption) RunnerConfig {
	cfg := RunnerConfig{
		ChannelCapacity: DefaultChannelCapacity,
		JoinTimeout:     DefaultJoinTimeout,
		StartTimeout:    DefaultStartTimeout,
		Logger:          env.Logger(),
		Events:          env.Events(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithRunnerName overrides the runner's name.
func WithRunnerName(name string) RunnerOption {
	return func(c *RunnerConfig) { c.Name = name }
}

// WithChannelCapacity overrides the command and status channel bound.
func WithChannelCapacity(n int) RunnerOption {
	return func(c *RunnerConfig) { c.ChannelCapacity = n }
}

// WithJoinTimeout overrides the bounded teardown join.
func WithJoinTimeout(d time.Duration) RunnerOption {
	return func(c *RunnerConfig) { c.JoinTimeout = d }
}

// WithStartTimeout overrides how long Start waits for readiness.
func WithStartTimeout(d time.Duration) RunnerOption {
	return func(c *RunnerConfig) { c.StartTimeout = d }
}

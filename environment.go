package puma

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Flavor selects the execution substrate for an entire program.
type Flavor string

const (
	// FlavorThread backs workers onto goroutines and buffers onto
	// in-process queues.
	FlavorThread Flavor = "thread"

	// FlavorProcess backs workers onto child processes and buffers onto
	// socket-transported queues with serialisation at the boundary.
	FlavorProcess Flavor = "process"
)

// Environment is the process-wide factory that fixes whether every buffer,
// runner, wakeup and shared value in a program is thread-flavoured or
// process-flavoured. The contract is identical across flavours; application
// code swaps substrates by swapping the constructor.
type Environment interface {
	// Flavor returns the substrate this environment builds.
	Flavor() Flavor

	// NewWakeup creates a wakeup usable with this environment's buffers.
	NewWakeup() Wakeup

	// NewRawBuffer creates an untyped buffer. Use the generic NewBuffer to
	// obtain the typed wrapper.
	NewRawBuffer(name string, capacity int, opts ...BufferOption) (RawBuffer, error)

	// ResolveHandle recovers a buffer from a spawn-safe handle.
	ResolveHandle(h BufferHandle) (RawBuffer, error)

	// NewRawShared creates an untyped shared value. Use the generic
	// NewShared to obtain the typed wrapper.
	NewRawShared(name string, initial any) (RawShared, error)

	// ResolveSharedHandle recovers a shared value from its handle.
	ResolveSharedHandle(h SharedHandle) (RawShared, error)

	// NewRunner builds a runner for a registered runnable kind.
	NewRunner(spec RunnableSpec, opts ...RunnerOption) (Runner, error)

	// Logger returns the environment's logger.
	Logger() *slog.Logger

	// Events returns the environment's event handler, which may be nil.
	Events() EventHandler

	// Close releases everything the environment owns.
	Close() error
}

// EnvOption customises an environment at construction.
type EnvOption func(*EnvConfig)

// EnvConfig carries the environment-wide settings resolved from options.
// Environment implementations in other packages resolve it with
// NewEnvConfig.
type EnvConfig struct {
	Logger   *slog.Logger
	Events   EventHandler
	Registry *Registry
}

// NewEnvConfig resolves environment options against the defaults.
func NewEnvConfig(opts []EnvOption) EnvConfig {
	cfg := EnvConfig{
		Logger:   slog.Default(),
		Registry: DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the logger the environment hands to buffers and runners.
func WithLogger(l *slog.Logger) EnvOption {
	return func(c *EnvConfig) { c.Logger = l }
}

// WithEventHandler routes lifecycle events to the given handler.
func WithEventHandler(h EventHandler) EnvOption {
	return func(c *EnvConfig) { c.Events = h }
}

// WithRegistry uses a registry other than the process-wide default.
func WithRegistry(r *Registry) EnvOption {
	return func(c *EnvConfig) { c.Registry = r }
}

// BufferOption customises one buffer.
type BufferOption func(*bufferConfig)

// WithDiscardGrace overrides the grace period before a discard sweep drains
// an abandoned buffer.
func WithDiscardGrace(d time.Duration) BufferOption {
	return func(c *bufferConfig) { c.grace = d }
}

// WithWarnOnDiscard controls whether a firing sweep logs a warning.
func WithWarnOnDiscard(warn bool) BufferOption {
	return func(c *bufferConfig) { c.warnOnDiscard = warn }
}

// WithBufferLogger overrides the logger for one buffer.
func WithBufferLogger(l *slog.Logger) BufferOption {
	return func(c *bufferConfig) { c.logger = l }
}

// WithBufferEvents routes one buffer's lifecycle events to the handler.
func WithBufferEvents(h EventHandler) BufferOption {
	return func(c *bufferConfig) { c.events = h }
}

// ThreadEnvironment backs everything onto goroutines and in-process queues.
type ThreadEnvironment struct {
	cfg EnvConfig

	mu      sync.Mutex
	buffers map[string]RawBuffer
	shareds map[string]RawShared
	closed  bool
}

// NewThreadEnvironment creates the goroutine-flavoured environment.
func NewThreadEnvironment(opts ...EnvOption) *ThreadEnvironment {
	return &ThreadEnvironment{
		cfg:     NewEnvConfig(opts),
		buffers: make(map[string]RawBuffer),
		shareds: make(map[string]RawShared),
	}
}

// Flavor returns FlavorThread.
func (e *ThreadEnvironment) Flavor() Flavor { return FlavorThread }

// NewWakeup creates an in-process wakeup.
func (e *ThreadEnvironment) NewWakeup() Wakeup { return NewWakeup() }

// Logger returns the environment's logger.
func (e *ThreadEnvironment) Logger() *slog.Logger { return e.cfg.Logger }

// Events returns the environment's event handler.
func (e *ThreadEnvironment) Events() EventHandler { return e.cfg.Events }

// NewRawBuffer creates an in-process buffer and records it so handles can be
// resolved back to it.
func (e *ThreadEnvironment) NewRawBuffer(name string, capacity int, opts ...BufferOption) (RawBuffer, error) {
	cfg := defaultBufferConfig()
	cfg.logger = e.cfg.Logger
	cfg.events = e.cfg.Events
	for _, opt := range opts {
		opt(&cfg)
	}
	b, err := newMemBuffer(name, capacity, cfg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("environment is closed: %w", ErrBufferClosed)
	}
	e.buffers[b.ID()] = b
	return b, nil
}

// ResolveHandle looks a buffer up by identity. Thread-flavoured handles only
// resolve inside the process that created them.
func (e *ThreadEnvironment) ResolveHandle(h BufferHandle) (RawBuffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buffers[h.ID]
	if !ok {
		return nil, fmt.Errorf("no buffer with id %q in this environment", h.ID)
	}
	return b, nil
}

// NewRawShared creates an in-process shared value.
func (e *ThreadEnvironment) NewRawShared(name string, initial any) (RawShared, error) {
	s := newMemShared(name, initial)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("environment is closed: %w", ErrBufferClosed)
	}
	e.shareds[s.Handle().ID] = s
	return s, nil
}

// ResolveSharedHandle looks a shared value up by identity.
func (e *ThreadEnvironment) ResolveSharedHandle(h SharedHandle) (RawShared, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.shareds[h.ID]
	if !ok {
		return nil, fmt.Errorf("no shared value with id %q in this environment", h.ID)
	}
	return s, nil
}

// NewRunner builds the runnable from the registry and wraps it in a
// goroutine-backed runner.
func (e *ThreadEnvironment) NewRunner(spec RunnableSpec, opts ...RunnerOption) (Runner, error) {
	runnable, err := e.cfg.Registry.Build(e, spec)
	if err != nil {
		return nil, err
	}
	name := spec.Name
	if name == "" {
		name = spec.Kind
	}
	return NewThreadRunner(e, runnable, append([]RunnerOption{WithRunnerName(name)}, opts...)...)
}

// Close closes every buffer and shared value the environment created.
func (e *ThreadEnvironment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	buffers := make([]RawBuffer, 0, len(e.buffers))
	for _, b := range e.buffers {
		buffers = append(buffers, b)
	}
	shareds := make([]RawShared, 0, len(e.shareds))
	for _, s := range e.shareds {
		shareds = append(shareds, s)
	}
	e.mu.Unlock()

	var first error
	for _, b := range buffers {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, s := range shareds {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Compile-time interface check.
var _ Environment = (*ThreadEnvironment)(nil)

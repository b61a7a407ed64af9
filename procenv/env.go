// Package procenv is the process-flavoured Environment: buffers are hosted
// by the creating process and attached over unix sockets, runners spawn
// worker processes by re-executing the current binary, and log records from
// every worker funnel into one listener process.
//
// Programs that may spawn workers must call Init at the top of main, and
// must register every runnable kind (and gob-register every configuration
// and value type) before Init runs worker re-entry.
package procenv

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pumalib/puma"
	"github.com/pumalib/puma/ipc"
	"github.com/pumalib/puma/logfunnel"
)

// ProcessDiscardGrace is the default discard-sweep grace for
// process-flavoured buffers. It is longer than the thread default because a
// peer process may still be starting up when both local ends detach.
const ProcessDiscardGrace = 15 * time.Second

// Option customises a process environment.
type Option func(*options)

type options struct {
	envOpts []puma.EnvOption
	logCfg  *logfunnel.Config
}

// WithEnv forwards core environment options (logger, events, registry).
func WithEnv(opts ...puma.EnvOption) Option {
	return func(o *options) { o.envOpts = append(o.envOpts, opts...) }
}

// WithLogConfig sets the configuration the log funnel serves. Defaults to
// the development profile.
func WithLogConfig(cfg logfunnel.Config) Option {
	return func(o *options) { o.logCfg = &cfg }
}

// ProcessEnvironment backs workers onto child processes and buffers onto
// socket-transported queues.
type ProcessEnvironment struct {
	cfg    puma.EnvConfig
	dir    string
	funnel *logfunnel.Funnel

	mu      sync.Mutex
	buffers map[string]puma.RawBuffer
	shareds map[string]puma.RawShared
	closed  bool
}

// NewProcessEnvironment creates the process-flavoured environment. Sockets
// live under a fresh temporary directory removed by Close.
func NewProcessEnvironment(opts ...Option) (*ProcessEnvironment, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	dir, err := os.MkdirTemp("", "puma-")
	if err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	logCfg := logfunnel.DevProfile()
	if o.logCfg != nil {
		logCfg = *o.logCfg
	}
	return &ProcessEnvironment{
		cfg:     puma.NewEnvConfig(o.envOpts),
		dir:     dir,
		funnel:  logfunnel.New(logCfg, dir),
		buffers: make(map[string]puma.RawBuffer),
		shareds: make(map[string]puma.RawShared),
	}, nil
}

// Flavor returns FlavorProcess.
func (e *ProcessEnvironment) Flavor() puma.Flavor { return puma.FlavorProcess }

// NewWakeup creates a wakeup. Process buffers pump items into the attaching
// process and signal there, so the primitive itself is in-process.
func (e *ProcessEnvironment) NewWakeup() puma.Wakeup { return puma.NewWakeup() }

// Logger returns the environment's logger.
func (e *ProcessEnvironment) Logger() *slog.Logger { return e.cfg.Logger }

// Events returns the environment's event handler.
func (e *ProcessEnvironment) Events() puma.EventHandler { return e.cfg.Events }

// Dir returns the socket directory.
func (e *ProcessEnvironment) Dir() string { return e.dir }

// NewRawBuffer creates a buffer hosted by this process and serves it on a
// socket so workers can attach. Values must be gob-encodable.
func (e *ProcessEnvironment) NewRawBuffer(name string, capacity int, opts ...puma.BufferOption) (puma.RawBuffer, error) {
	inner, err := puma.NewRawMemBuffer(name, capacity,
		append([]puma.BufferOption{
			puma.WithDiscardGrace(ProcessDiscardGrace),
			puma.WithBufferLogger(e.cfg.Logger),
			puma.WithBufferEvents(e.cfg.Events),
		}, opts...)...)
	if err != nil {
		return nil, err
	}
	desc := puma.Descriptor{
		ID:         inner.ID(),
		Name:       inner.Name(),
		Capacity:   capacity,
		SocketPath: filepath.Join(e.dir, "buf-"+uuid.NewString()[:8]+".sock"),
	}
	host, err := ipc.ServeBuffer(inner, desc.SocketPath, e.cfg.Logger)
	if err != nil {
		inner.Close()
		return nil, err
	}
	b := &processBuffer{RawBuffer: inner, desc: desc, host: host}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		host.Close()
		inner.Close()
		return nil, fmt.Errorf("environment is closed: %w", puma.ErrBufferClosed)
	}
	e.buffers[desc.ID] = b
	return b, nil
}

// ResolveHandle recovers a buffer: by identity if hosted here, by dialling
// its descriptor otherwise.
func (e *ProcessEnvironment) ResolveHandle(h puma.BufferHandle) (puma.RawBuffer, error) {
	e.mu.Lock()
	b, ok := e.buffers[h.ID]
	e.mu.Unlock()
	if ok {
		return b, nil
	}
	if h.Desc == nil {
		return nil, fmt.Errorf("no buffer with id %q and no descriptor to dial", h.ID)
	}
	return ipc.OpenBuffer(*h.Desc, e.cfg.Logger), nil
}

// NewRawShared creates a shared value hosted by this process, mediated to
// workers over its own socket.
func (e *ProcessEnvironment) NewRawShared(name string, initial any) (puma.RawShared, error) {
	inner := puma.NewRawMemShared(name, initial)
	desc := puma.Descriptor{
		ID:         inner.Handle().ID,
		Name:       inner.Name(),
		SocketPath: filepath.Join(e.dir, "shared-"+uuid.NewString()[:8]+".sock"),
	}
	host, err := ipc.ServeShared(inner, desc.SocketPath, e.cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &processShared{RawShared: inner, desc: desc, host: host}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		host.Close()
		return nil, fmt.Errorf("environment is closed: %w", puma.ErrBufferClosed)
	}
	e.shareds[desc.ID] = s
	return s, nil
}

// ResolveSharedHandle recovers a shared value: by identity if hosted here,
// by dialling its descriptor otherwise.
func (e *ProcessEnvironment) ResolveSharedHandle(h puma.SharedHandle) (puma.RawShared, error) {
	e.mu.Lock()
	s, ok := e.shareds[h.ID]
	e.mu.Unlock()
	if ok {
		return s, nil
	}
	if h.Desc == nil {
		return nil, fmt.Errorf("no shared value with id %q and no descriptor to dial", h.ID)
	}
	return ipc.OpenShared(*h.Desc)
}

// NewRunner spawns a worker process for a registered runnable kind.
func (e *ProcessEnvironment) NewRunner(spec puma.RunnableSpec, opts ...puma.RunnerOption) (puma.Runner, error) {
	if !e.registry().Has(spec.Kind) {
		return nil, fmt.Errorf("%w: %q", puma.ErrUnknownRunnable, spec.Kind)
	}
	return newProcessRunner(e, spec, opts)
}

func (e *ProcessEnvironment) registry() *puma.Registry {
	if e.cfg.Registry != nil {
		return e.cfg.Registry
	}
	return puma.DefaultRegistry()
}

// Close tears down every hosted buffer and shared value and removes the
// socket directory.
func (e *ProcessEnvironment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	buffers := make([]puma.RawBuffer, 0, len(e.buffers))
	for _, b := range e.buffers {
		buffers = append(buffers, b)
	}
	shareds := make([]puma.RawShared, 0, len(e.shareds))
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
	if err := os.RemoveAll(e.dir); err != nil && first == nil {
		first = err
	}
	return first
}

// processBuffer is a hosted buffer plus its attachment surface.
type processBuffer struct {
	puma.RawBuffer
	desc puma.Descriptor
	host *ipc.Host
}

// Handle returns the descriptor-bearing handle workers dial.
func (b *processBuffer) Handle() puma.BufferHandle {
	desc := b.desc
	return puma.BufferHandle{ID: b.desc.ID, Desc: &desc}
}

// Close stops serving and closes the hosted queue.
func (b *processBuffer) Close() error {
	err := b.host.Close()
	if cerr := b.RawBuffer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// processShared is a hosted shared value plus its attachment surface.
type processShared struct {
	puma.RawShared
	desc puma.Descriptor
	host *ipc.SharedHost
}

// Handle returns the descriptor-bearing handle workers dial.
func (s *processShared) Handle() puma.SharedHandle {
	desc := s.desc
	return puma.SharedHandle{ID: s.desc.ID, Desc: &desc}
}

// Close stops serving and releases the hosted value.
func (s *processShared) Close() error {
	err := s.host.Close()
	if cerr := s.RawShared.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Compile-time interface check.
var _ puma.Environment = (*ProcessEnvironment)(nil)

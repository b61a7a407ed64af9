package puma

import (
	"errors"
	"fmt"
	"time"
)

// FullPolicy decides what a multicaster does when an output buffer is full.
type FullPolicy int

const (
	// FullError fails the multicaster when an output is full.
	FullError FullPolicy = iota

	// FullDrop drops the value for that output and logs a warning.
	FullDrop
)

// Multicaster is a specialised runner that subscribes to exactly one input
// buffer and re-publishes every value to N output buffers. Completions —
// including error completions — are forwarded to every output; a failure
// publishing to one output does not stop attempts on the others.
//
// The copying worker always runs on a goroutine, whatever flavour the
// buffers are: it services local ends of the buffers, so there is nothing to
// gain from an extra process.
type Multicaster[T any] struct {
	runner   Runner
	runnable *multicastRunnable[T]
}

// NewMulticaster creates a multicaster over the given input buffer. Wire
// outputs with Subscribe before calling Start.
func NewMulticaster[T any](env Environment, in *Buffer[T], opts ...RunnerOption) (*Multicaster[T], error) {
	if in == nil {
		return nil, fmt.Errorf("multicaster: %w", ErrNoInputs)
	}
	name := "multicaster from " + in.Name()
	r := &multicastRunnable[T]{
		RunnableCore: NewCore(name, WithCoreLogger(env.Logger())),
		events:       env.Events(),
	}
	if err := HandleInput[T](&r.RunnableCore, in, r); err != nil {
		return nil, err
	}
	runner, err := NewThreadRunner(env, r, append([]RunnerOption{WithRunnerName(name)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Multicaster[T]{runner: runner, runnable: r}, nil
}

// Subscribe adds an output buffer that will receive a copy of every value.
// Must be called before Start.
func (m *Multicaster[T]) Subscribe(out *Buffer[T], policy FullPolicy) error {
	outlet, err := AddOutput[T](&m.runnable.RunnableCore, out)
	if err != nil {
		return err
	}
	m.runnable.outs = append(m.runnable.outs, multicastOut[T]{outlet: outlet, policy: policy})
	return nil
}

// Name returns the multicaster's name.
func (m *Multicaster[T]) Name() string { return m.runner.Name() }

// State returns the lifecycle state of the copying worker.
func (m *Multicaster[T]) State() RunnerState { return m.runner.State() }

// Start spawns the copying worker.
func (m *Multicaster[T]) Start() error { return m.runner.Start() }

// Stop asks the copying worker to exit.
func (m *Multicaster[T]) Stop() error { return m.runner.Stop() }

// Join waits for the copying worker to exit.
func (m *Multicaster[T]) Join(timeout time.Duration) error { return m.runner.Join(timeout) }

// CheckForErrors surfaces accumulated copy errors.
func (m *Multicaster[T]) CheckForErrors() error { return m.runner.CheckForErrors() }

// Close tears the multicaster down.
func (m *Multicaster[T]) Close() error { return m.runner.Close() }

// multicastOut pairs an outlet with its full-buffer policy.
type multicastOut[T any] struct {
	outlet *Outlet[T]
	policy FullPolicy
}

// multicastRunnable copies every input item to all outputs. It is its own
// input handler.
type multicastRunnable[T any] struct {
	RunnableCore
	events EventHandler
	outs   []multicastOut[T]
}

// OnValue copies a value to every output, honouring each output's
// full-buffer policy. Every output is attempted; the failures are joined.
func (r *multicastRunnable[T]) OnValue(v T) error {
	var failures []error
	for _, out := range r.outs {
		err := out.outlet.TryPublish(v)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrBufferFull) && out.policy == FullDrop {
			r.Core().logger.Warn("multicaster dropping value, output full", "output", out.outlet.BufferName())
			if r.events != nil {
				r.events(NewEvent(EventMulticastDropped, r.Name(), out.outlet.BufferName()))
			}
			continue
		}
		failures = append(failures, fmt.Errorf("multicast to %q: %w", out.outlet.BufferName(), err))
	}
	return errors.Join(failures...)
}

// OnComplete forwards the completion to every output, attempting all of
// them and reporting every failure, joined.
func (r *multicastRunnable[T]) OnComplete(err error) error {
	var failures []error
	for _, out := range r.outs {
		if perr := out.outlet.PublishComplete(err); perr != nil {
			failures = append(failures, fmt.Errorf("complete to %q: %w", out.outlet.BufferName(), perr))
		}
	}
	return errors.Join(failures...)
}

// Compile-time handler check.
var _ Handler[int] = (*multicastRunnable[int])(nil)

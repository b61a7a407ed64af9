package puma

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// threadRunner executes a runnable on a goroutine. The command and status
// channels are ordinary buffers of the owning environment.
type threadRunner struct {
	id       string
	cfg      RunnerConfig
	env      Environment
	runnable Runnable

	cmdBuf    *Buffer[Command]
	statusBuf *Buffer[StatusMessage]
	cmdPub    *Publisher[Command]
	watcher   *StatusWatcher

	mu    sync.Mutex
	state RunnerState
	done  chan struct{}
}

// NewThreadRunner wraps an already-constructed runnable in a
// goroutine-backed runner. Programs that need the one-line environment swap
// should go through Environment.NewRunner with a registered kind instead;
// this constructor is for thread-only callers and internal use.
func NewThreadRunner(env Environment, r Runnable, opts ...RunnerOption) (Runner, error) {
	if r == nil {
		return nil, fmt.Errorf("a runner must be supplied with a runnable")
	}
	cfg := NewRunnerConfig(env, opts)
	if cfg.Name == "" {
		cfg.Name = "runner of " + r.Name()
	}

	cmdRaw, err := env.NewRawBuffer(cfg.Name+" commands", cfg.ChannelCapacity, WithWarnOnDiscard(false))
	if err != nil {
		return nil, err
	}
	statusRaw, err := env.NewRawBuffer(cfg.Name+" status", cfg.ChannelCapacity, WithWarnOnDiscard(false))
	if err != nil {
		cmdRaw.Close()
		return nil, err
	}
	cmdBuf := WrapBuffer[Command](cmdRaw)
	statusBuf := WrapBuffer[StatusMessage](statusRaw)

	cmdPub, err := cmdBuf.Publish()
	if err != nil {
		cmdRaw.Close()
		statusRaw.Close()
		return nil, err
	}
	watcher, err := NewStatusWatcher(statusBuf, env.NewWakeup())
	if err != nil {
		cmdPub.Release()
		cmdRaw.Close()
		statusRaw.Close()
		return nil, err
	}

	return &threadRunner{
		id:        uuid.NewString(),
		cfg:       cfg,
		env:       env,
		runnable:  r,
		cmdBuf:    cmdBuf,
		statusBuf: statusBuf,
		cmdPub:    cmdPub,
		watcher:   watcher,
		state:     StateCreated,
	}, nil
}

func (r *threadRunner) Name() string { return r.cfg.Name }

func (r *threadRunner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *threadRunner) setState(s RunnerState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start spawns the worker goroutine and blocks until it reports ready.
func (r *threadRunner) Start() error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", r.cfg.Name, ErrAlreadyStarted)
	}
	r.state = StateStarting
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run()

	if err := r.watcher.WaitRunning(r.cfg.StartTimeout); err != nil {
		r.setState(StateFailed)
		return fmt.Errorf("%s: %w", r.cfg.Name, err)
	}
	r.setState(StateRunning)
	return nil
}

// run is the worker goroutine: it reports ready, executes the servicing
// loop, and reports the terminal outcome on the status channel.
func (r *threadRunner) run() {
	defer close(r.done)

	statusPub, err := r.statusBuf.Publish()
	if err != nil {
		r.cfg.Logger.Error("worker could not attach status channel", "runner", r.cfg.Name, "err", err)
		return
	}
	defer statusPub.Release()

	if err := statusPub.TryPublish(StatusMessage{Kind: StatusStarted}); err != nil {
		r.cfg.Logger.Error("worker could not report ready", "runner", r.cfg.Name, "err", err)
		statusPub.PublishComplete(err)
		return
	}
	r.emit(NewEvent(EventRunnerStarted, r.cfg.Name, r.id))

	execErr := r.runExecute()
	if execErr != nil {
		r.cfg.Logger.Error("worker stopped because of error", "runner", r.cfg.Name, "err", execErr)
		r.emit(NewEvent(EventRunnerFailed, r.cfg.Name, r.id).WithError(execErr))
	} else {
		r.cfg.Logger.Debug("worker stopped", "runner", r.cfg.Name)
		r.emit(NewEvent(EventRunnerStopped, r.cfg.Name, r.id))
	}
	// The terminal error travels as the status channel's completion so the
	// parent can never miss it.
	statusPub.PublishComplete(execErr)
}

// runExecute runs the servicing loop, converting a panic in user code into
// an error so the worker dies loudly on the status channel rather than
// taking the process down.
func (r *threadRunner) runExecute() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewFault("panic", fmt.Sprint(rec))
		}
	}()
	return r.runnable.Core().execute(r.runnable, r.env, r.cmdBuf)
}

// Stop enqueues the stop command.
func (r *threadRunner) Stop() error {
	r.mu.Lock()
	switch r.state {
	case StateStarting, StateRunning:
		r.state = StateStopping
	case StateStopping:
		r.mu.Unlock()
		return nil
	default:
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", r.cfg.Name, ErrNotRunning)
	}
	r.mu.Unlock()
	return r.cmdPub.Publish(Command{Method: MethodStop})
}

// Join blocks until the worker goroutine exits. On timeout the worker is
// flagged to abort — goroutines cannot be killed — and ErrJoinTimeout is
// returned.
func (r *threadRunner) Join(timeout time.Duration) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return fmt.Errorf("%s: %w", r.cfg.Name, ErrNotRunning)
	}

	if timeout < 0 {
		<-done
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			r.runnable.Core().forceAbort()
			r.setState(StateFailed)
			return fmt.Errorf("%s: %w", r.cfg.Name, ErrJoinTimeout)
		}
	}

	r.watcher.Poll()
	r.mu.Lock()
	if r.state != StateFailed {
		if r.watcher.HasError() {
			r.state = StateFailed
		} else {
			r.state = StateStopped
		}
	}
	r.mu.Unlock()
	return nil
}

// CheckForErrors drains the status channel and returns the worker's
// terminal error once.
func (r *threadRunner) CheckForErrors() error {
	if err := r.watcher.Poll(); err != nil {
		return err
	}
	if err := r.watcher.TakeError(); err != nil {
		r.setState(StateFailed)
		return fmt.Errorf("%s: %w", r.cfg.Name, err)
	}
	r.mu.Lock()
	if r.watcher.IsFinished() && r.state == StateRunning {
		r.state = StateStopped
	}
	r.mu.Unlock()
	return nil
}

// Invoke serialises a command for the worker-side handler.
func (r *threadRunner) Invoke(method string, args ...any) error {
	return r.cmdPub.Publish(Command{Method: method, Args: args})
}

// SetTickInterval bridges the tick interval change into the worker.
func (r *threadRunner) SetTickInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s: tick interval must be greater than zero", r.cfg.Name)
	}
	return r.Invoke(MethodSetTickInterval, d.Seconds())
}

// ResumeTicks arms ticking in the worker.
func (r *threadRunner) ResumeTicks() error { return r.Invoke(MethodResumeTicks) }

// PauseTicks disarms ticking in the worker.
func (r *threadRunner) PauseTicks() error { return r.Invoke(MethodPauseTicks) }

// Close tears the runner down in order: stop if still running, bounded
// join, release the channel endpoints so discard sweeps can run, close the
// owned channels, then surface any outstanding worker error.
func (r *threadRunner) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	state := r.State()
	if state == StateStarting || state == StateRunning {
		record(r.Stop())
	}
	if state != StateCreated {
		record(r.Join(r.cfg.JoinTimeout))
	}

	record(r.watcher.TakeError())

	r.cmdPub.Release()
	r.watcher.Release()
	r.cmdBuf.Close()
	r.statusBuf.Close()
	if first != nil {
		return fmt.Errorf("%s: %w", r.cfg.Name, first)
	}
	return nil
}

func (r *threadRunner) emit(e Event) {
	if r.cfg.Events != nil {
		r.cfg.Events(e)
	}
}

// Compile-time interface check.
var _ Runner = (*threadRunner)(nil)

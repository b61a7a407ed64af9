package procenv

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pumalib/puma"
)

// processRunner is the lifecycle shell around a worker process. Its command
// and status channels are process buffers hosted on the parent side; the
// worker attaches to them through the descriptors in its spawn spec.
type processRunner struct {
	id   string
	cfg  puma.RunnerConfig
	env  *ProcessEnvironment
	spec puma.RunnableSpec

	cmdBuf    *puma.Buffer[puma.Command]
	statusBuf *puma.Buffer[puma.StatusMessage]
	cmdPub    *puma.Publisher[puma.Command]
	watcher   *puma.StatusWatcher

	specPath string
	funneled bool

	mu    sync.Mutex
	state puma.RunnerState
	cmd   *exec.Cmd
	done  chan struct{}
}

func newProcessRunner(env *ProcessEnvironment, spec puma.RunnableSpec, opts []puma.RunnerOption) (*processRunner, error) {
	cfg := puma.NewRunnerConfig(env, opts)
	if cfg.Name == "" {
		if spec.Name != "" {
			cfg.Name = spec.Name
		} else {
			cfg.Name = "process runner of " + spec.Kind
		}
	}

	cmdRaw, err := env.NewRawBuffer(cfg.Name+" commands", cfg.ChannelCapacity, puma.WithWarnOnDiscard(false))
	if err != nil {
		return nil, err
	}
	statusRaw, err := env.NewRawBuffer(cfg.Name+" status", cfg.ChannelCapacity, puma.WithWarnOnDiscard(false))
	if err != nil {
		cmdRaw.Close()
		return nil, err
	}
	cmdBuf := puma.WrapBuffer[puma.Command](cmdRaw)
	statusBuf := puma.WrapBuffer[puma.StatusMessage](statusRaw)

	cmdPub, err := cmdBuf.Publish()
	if err != nil {
		cmdRaw.Close()
		statusRaw.Close()
		return nil, err
	}
	watcher, err := puma.NewStatusWatcher(statusBuf, env.NewWakeup())
	if err != nil {
		cmdPub.Release()
		cmdRaw.Close()
		statusRaw.Close()
		return nil, err
	}

	return &processRunner{
		id:        uuid.NewString(),
		cfg:       cfg,
		env:       env,
		spec:      spec,
		cmdBuf:    cmdBuf,
		statusBuf: statusBuf,
		cmdPub:    cmdPub,
		watcher:   watcher,
		state:     puma.StateCreated,
	}, nil
}

func (r *processRunner) Name() string { return r.cfg.Name }

func (r *processRunner) State() puma.RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *processRunner) setState(s puma.RunnerState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start writes the spawn spec, ensures the log funnel is up, spawns the
// worker process and blocks until it reports ready.
func (r *processRunner) Start() error {
	r.mu.Lock()
	if r.state != puma.StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", r.cfg.Name, puma.ErrAlreadyStarted)
	}
	r.state = puma.StateStarting
	r.mu.Unlock()

	logSocket, err := r.env.funnel.Acquire()
	if err != nil {
		r.setState(puma.StateFailed)
		return fmt.Errorf("%s: %w", r.cfg.Name, err)
	}
	r.funneled = true

	spec := workerSpec{
		Kind:          r.spec.Kind,
		Name:          r.cfg.Name,
		CmdHandle:     r.cmdBuf.Handle(),
		StatusHandle:  r.statusBuf.Handle(),
		LogSocket:     logSocket,
		LogConfigPath: r.env.funnel.ConfigPath(),
	}
	if r.spec.Config != nil {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&configEnvelope{V: r.spec.Config}); err != nil {
			r.setState(puma.StateFailed)
			return fmt.Errorf("%s: encoding config snapshot: %w", r.cfg.Name, err)
		}
		spec.ConfigPayload = buf.Bytes()
	}

	r.specPath = filepath.Join(r.env.dir, "worker-"+r.id[:8]+".spec")
	var specData bytes.Buffer
	if err := gob.NewEncoder(&specData).Encode(&spec); err != nil {
		r.setState(puma.StateFailed)
		return fmt.Errorf("%s: encoding spawn spec: %w", r.cfg.Name, err)
	}
	if err := os.WriteFile(r.specPath, specData.Bytes(), 0o600); err != nil {
		r.setState(puma.StateFailed)
		return fmt.Errorf("%s: %w", r.cfg.Name, err)
	}

	exe, err := os.Executable()
	if err != nil {
		r.setState(puma.StateFailed)
		return fmt.Errorf("%s: %w", r.cfg.Name, err)
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), EnvWorkerSpec+"="+r.specPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		r.setState(puma.StateFailed)
		return fmt.Errorf("%s: spawning worker: %w", r.cfg.Name, err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.done = done
	r.mu.Unlock()
	go func() {
		cmd.Wait()
		close(done)
	}()

	if err := r.watcher.WaitRunning(r.cfg.StartTimeout); err != nil {
		r.setState(puma.StateFailed)
		return fmt.Errorf("%s: %w", r.cfg.Name, err)
	}
	r.setState(puma.StateRunning)
	r.emit(puma.NewEvent(puma.EventRunnerStarted, r.cfg.Name, r.id))
	return nil
}

// Stop enqueues the stop command.
func (r *processRunner) Stop() error {
	r.mu.Lock()
	switch r.state {
	case puma.StateStarting, puma.StateRunning:
		r.state = puma.StateStopping
	case puma.StateStopping:
		r.mu.Unlock()
		return nil
	default:
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", r.cfg.Name, puma.ErrNotRunning)
	}
	r.mu.Unlock()
	return r.cmdPub.Publish(puma.Command{Method: puma.MethodStop})
}

// Join blocks until the worker process exits. On timeout the process is
// killed and ErrJoinTimeout returned.
func (r *processRunner) Join(timeout time.Duration) error {
	r.mu.Lock()
	done, cmd := r.done, r.cmd
	r.mu.Unlock()
	if done == nil {
		return fmt.Errorf("%s: %w", r.cfg.Name, puma.ErrNotRunning)
	}

	if timeout < 0 {
		<-done
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			cmd.Process.Kill()
			<-done
			r.setState(puma.StateFailed)
			return fmt.Errorf("%s: %w", r.cfg.Name, puma.ErrJoinTimeout)
		}
	}

	r.watcher.Poll()
	r.mu.Lock()
	if r.state != puma.StateFailed {
		if r.watcher.HasError() {
			r.state = puma.StateFailed
		} else {
			r.state = puma.StateStopped
		}
	}
	r.mu.Unlock()
	return nil
}

// CheckForErrors drains the status channel and returns the worker's
// terminal error once.
func (r *processRunner) CheckForErrors() error {
	if err := r.watcher.Poll(); err != nil {
		return err
	}
	if err := r.watcher.TakeError(); err != nil {
		r.setState(puma.StateFailed)
		r.emit(puma.NewEvent(puma.EventRunnerFailed, r.cfg.Name, r.id).WithError(err))
		return fmt.Errorf("%s: %w", r.cfg.Name, err)
	}
	r.mu.Lock()
	if r.watcher.IsFinished() && r.state == puma.StateRunning {
		r.state = puma.StateStopped
	}
	r.mu.Unlock()
	return nil
}

// Invoke serialises a command for the worker-side handler. Arguments must
// be gob-encodable.
func (r *processRunner) Invoke(method string, args ...any) error {
	return r.cmdPub.Publish(puma.Command{Method: method, Args: args})
}

// SetTickInterval bridges the tick interval change into the worker.
func (r *processRunner) SetTickInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s: tick interval must be greater than zero", r.cfg.Name)
	}
	return r.Invoke(puma.MethodSetTickInterval, d.Seconds())
}

// ResumeTicks arms ticking in the worker.
func (r *processRunner) ResumeTicks() error { return r.Invoke(puma.MethodResumeTicks) }

// PauseTicks disarms ticking in the worker.
func (r *processRunner) PauseTicks() error { return r.Invoke(puma.MethodPauseTicks) }

// Close tears the runner down: stop if still running, bounded join with a
// kill on timeout, release channel endpoints, release the funnel, surface
// any outstanding error.
func (r *processRunner) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	state := r.State()
	if state == puma.StateStarting || state == puma.StateRunning {
		record(r.Stop())
	}
	if state != puma.StateCreated {
		record(r.Join(r.cfg.JoinTimeout))
	}

	record(r.watcher.TakeError())

	r.cmdPub.Release()
	r.watcher.Release()
	r.cmdBuf.Close()
	r.statusBuf.Close()
	if r.funneled {
		r.env.funnel.Release()
		r.funneled = false
	}
	if r.specPath != "" {
		os.Remove(r.specPath)
	}
	if first != nil {
		return fmt.Errorf("%s: %w", r.cfg.Name, first)
	}
	return nil
}

func (r *processRunner) emit(e puma.Event) {
	if r.cfg.Events != nil {
		r.cfg.Events(e)
	}
}

// Compile-time interface check.
var _ puma.Runner = (*processRunner)(nil)

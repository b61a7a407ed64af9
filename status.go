package puma

import (
	"fmt"
	"sync"
	"time"

	"github.com/pumalib/puma/timestamp"
)

// StatusKind identifies a lifecycle report on the status channel.
type StatusKind string

const (
	// StatusStarted is sent by the worker just before it enters its loop.
	StatusStarted StatusKind = "started"
)

// StatusMessage is a lifecycle report travelling from worker to parent on
// the status channel. A worker's terminal error travels as the completion
// marker of the channel itself, not as a message.
type StatusMessage struct {
	Kind StatusKind
}

// StatusWatcher is the parent-side view of a status channel. It caches what
// has been observed so far so that polling, readiness waits and teardown all
// share one drain path.
type StatusWatcher struct {
	sub    *Subscription[StatusMessage]
	wakeup Wakeup

	mu          sync.Mutex
	running     bool
	finished    bool
	err         error
	errObserved bool
}

// NewStatusWatcher subscribes to a status channel with the given wakeup.
// Runner implementations use it for readiness waits and error polling.
func NewStatusWatcher(statusBuf *Buffer[StatusMessage], w Wakeup) (*StatusWatcher, error) {
	sub, err := statusBuf.Subscribe(w)
	if err != nil {
		return nil, err
	}
	return &StatusWatcher{sub: sub, wakeup: w}, nil
}

// Poll drains pending status messages, updating the cached view.
func (sw *StatusWatcher) Poll() error {
	_, err := sw.sub.CallEvents(HandlerFuncs[StatusMessage]{
		Value: func(m StatusMessage) error {
			if m.Kind == StatusStarted {
				sw.mu.Lock()
				sw.running = true
				sw.mu.Unlock()
			}
			return nil
		},
		Complete: func(cerr error) error {
			sw.mu.Lock()
			sw.finished = true
			sw.running = false
			sw.err = cerr
			sw.mu.Unlock()
			return nil
		},
	})
	return err
}

// WaitRunning blocks until the worker has reported ready, it has finished,
// or the timeout elapses.
func (sw *StatusWatcher) WaitRunning(timeout time.Duration) error {
	deadline := timestamp.Now() + timeout.Seconds()
	for {
		if err := sw.Poll(); err != nil {
			return err
		}
		sw.mu.Lock()
		running, finished, werr := sw.running, sw.finished, sw.err
		sw.mu.Unlock()
		if running {
			return nil
		}
		if finished {
			if werr != nil {
				return werr
			}
			return fmt.Errorf("worker exited before reporting ready: %w", ErrNotRunning)
		}
		remaining := deadline - timestamp.Now()
		if remaining <= 0 {
			return ErrStartTimeout
		}
		sw.wakeup.Wait(time.Duration(remaining * float64(time.Second)))
	}
}

// IsFinished reports whether the worker's terminal completion has arrived.
func (sw *StatusWatcher) IsFinished() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.finished
}

// HasError reports whether the worker finished with an error, without
// consuming it.
func (sw *StatusWatcher) HasError() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.finished && sw.err != nil
}

// TakeError returns the worker's terminal error the first time it is asked
// for, nil afterwards and nil while the worker is still running.
func (sw *StatusWatcher) TakeError() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.finished && sw.err != nil && !sw.errObserved {
		sw.errObserved = true
		return sw.err
	}
	return nil
}

// Release gives up the status subscription.
func (sw *StatusWatcher) Release() error {
	return sw.sub.Release()
}

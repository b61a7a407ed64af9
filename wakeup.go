package puma

import "time"

// WaitForever may be passed to Wakeup.Wait to wait with no timeout.
const WaitForever time.Duration = -1

// Wakeup is an edge-triggered, idempotent signal supporting one waiter and
// many signallers. Concurrent signals collapse into one: a single signal is
// sufficient to wake the waiter no matter how many producers signalled.
//
// One Wakeup may be passed to the Subscribe calls of multiple buffers; any of
// them signalling wakes the waiter. This is the mechanism that eliminates
// polling across N input channels.
type Wakeup interface {
	// Signal sets the event. Non-blocking; safe from any goroutine.
	Signal()

	// Wait returns true as soon as the event has been set since the last
	// consume, or false on timeout. A successful wait consumes the signal.
	// Pass WaitForever to wait indefinitely, 0 to poll.
	Wait(timeout time.Duration) bool

	// Consume clears the event without waiting.
	Consume()
}

// chanWakeup is the goroutine-flavoured Wakeup: a one-token channel. Signal
// deposits the token if absent, Wait removes it. Process-flavoured buffers
// reuse this primitive because their transport pumps items into the
// attaching process and signals locally there.
type chanWakeup struct {
	ch chan struct{}
}

// NewWakeup creates an in-process Wakeup.
func NewWakeup() Wakeup {
	return &chanWakeup{ch: make(chan struct{}, 1)}
}

func (w *chanWakeup) Signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *chanWakeup) Wait(timeout time.Duration) bool {
	if timeout < 0 {
		<-w.ch
		return true
	}
	if timeout == 0 {
		select {
		case <-w.ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.ch:
		return true
	case <-t.C:
		return false
	}
}

func (w *chanWakeup) Consume() {
	select {
	case <-w.ch:
	default:
	}
}

// Compile-time interface check.
var _ Wakeup = (*chanWakeup)(nil)

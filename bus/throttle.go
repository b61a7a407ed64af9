package bus

import (
	"sync"
	"time"

	"github.com/pumalib/puma"
)

// ThrottleConfig controls the behavior of ThrottledHandler.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced drop events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledHandler wraps a puma.EventHandler and coalesces high-frequency
// multicast_dropped events. Other events pass through immediately. Drop
// events are coalesced per source: only the latest drop for each source is
// kept within each coalesce interval, with a running count in its payload.
// A background ticker flushes coalesced drops at the configured interval.
type ThrottledHandler struct {
	emit     puma.EventHandler
	interval time.Duration

	mu      sync.Mutex
	pending map[string]puma.Event // source -> latest drop event
	counts  map[string]int
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledHandler creates a ThrottledHandler that wraps the given
// handler and coalesces EventMulticastDropped events at the configured
// interval.
func NewThrottledHandler(emit puma.EventHandler, cfg ThrottleConfig) *ThrottledHandler {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	th := &ThrottledHandler{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]puma.Event),
		counts:   make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go th.run()

	return th
}

// Handle sends an event through the throttled handler. Events other than
// multicast drops pass through immediately to the wrapped handler.
func (th *ThrottledHandler) Handle(e puma.Event) {
	if e.Kind != puma.EventMulticastDropped {
		// Non-drop events pass through immediately.
		th.emit(e)
		return
	}

	// Drop events are coalesced per source.
	th.mu.Lock()
	defer th.mu.Unlock()

	if th.closed {
		return
	}

	th.pending[e.Source] = e
	th.counts[e.Source]++
}

// Close flushes any pending drop events and stops the background ticker.
// It is safe to call Close multiple times.
func (th *ThrottledHandler) Close() {
	th.mu.Lock()
	if th.closed {
		th.mu.Unlock()
		return
	}
	th.closed = true
	th.mu.Unlock()

	// Signal the background goroutine to stop.
	close(th.stopCh)

	// Wait for the background goroutine to finish.
	<-th.doneCh
}

// run is the background goroutine that periodically flushes coalesced drops.
func (th *ThrottledHandler) run() {
	defer close(th.doneCh)

	ticker := time.NewTicker(th.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			th.flush()
		case <-th.stopCh:
			// Flush any remaining pending events before exiting.
			th.flush()
			return
		}
	}
}

// flush sends all pending coalesced drop events to the wrapped handler
// and clears the pending map.
func (th *ThrottledHandler) flush() {
	th.mu.Lock()
	if len(th.pending) == 0 {
		th.mu.Unlock()
		return
	}

	// Swap out the pending maps so we can release the lock during emission.
	toFlush := th.pending
	counts := th.counts
	th.pending = make(map[string]puma.Event)
	th.counts = make(map[string]int)
	th.mu.Unlock()

	for source, e := range toFlush {
		th.emit(e.WithPayload("coalesced", counts[source]))
	}
}

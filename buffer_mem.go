package puma

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDiscardGrace is how long a thread-flavoured buffer waits after both
// ends have detached before draining stranded values.
const DefaultDiscardGrace = 5 * time.Second

// queueItem is one element of a buffer's queue: either a payload or the
// terminal completion marker.
type queueItem struct {
	value    any
	complete bool
	err      error
}

// bufferConfig carries the per-buffer knobs resolved from environment and
// buffer options.
type bufferConfig struct {
	grace         time.Duration
	warnOnDiscard bool
	logger        *slog.Logger
	events        EventHandler
}

func defaultBufferConfig() bufferConfig {
	return bufferConfig{
		grace:         DefaultDiscardGrace,
		warnOnDiscard: true,
		logger:        slog.Default(),
	}
}

// memBuffer is the goroutine-flavoured buffer: an in-process FIFO guarded by
// one mutex. It is also the storage half of a process-flavoured buffer on
// the hosting side.
type memBuffer struct {
	id   string
	name string
	cap  int
	cfg  bufferConfig

	mu      sync.Mutex
	notFull *sync.Cond

	queue      []queueItem
	completed  bool
	publishers int
	subscribed bool
	wakeup     Wakeup

	discardTimer      *time.Timer
	completeDiscarded bool
	discardedErr      error
	closed            bool
}

// NewRawMemBuffer creates an in-process raw buffer outside any environment.
// Flavoured environments build on it: the thread environment hands it out
// directly, the process environment hosts it behind a socket.
func NewRawMemBuffer(name string, capacity int, opts ...BufferOption) (RawBuffer, error) {
	cfg := defaultBufferConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newMemBuffer(name, capacity, cfg)
}

// newMemBuffer creates an in-process buffer. Capacity 0 means unbounded.
func newMemBuffer(name string, capacity int, cfg bufferConfig) (*memBuffer, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("buffer %q: capacity must not be negative", name)
	}
	id := uuid.NewString()
	if name == "" {
		name = "buffer-" + id[:8]
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.grace <= 0 {
		cfg.grace = DefaultDiscardGrace
	}
	b := &memBuffer{
		id:   id,
		name: name,
		cap:  capacity,
		cfg:  cfg,
	}
	b.notFull = sync.NewCond(&b.mu)
	return b, nil
}

func (b *memBuffer) ID() string    { return b.id }
func (b *memBuffer) Name() string  { return b.name }
func (b *memBuffer) Capacity() int { return b.cap }

func (b *memBuffer) Handle() BufferHandle {
	return BufferHandle{ID: b.id}
}

// Publish attaches a new publisher, cancelling any armed discard sweep.
func (b *memBuffer) Publish() (RawPublisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%s: %w", b.name, ErrBufferClosed)
	}
	b.cancelDiscardLocked()
	b.publishers++
	b.cfg.logger.Debug("buffer published to", "buffer", b.name, "publishers", b.publishers)
	return &memPublisher{b: b}, nil
}

// Subscribe attaches the single subscription. If a completion marker was
// swept while nobody was attached, an equivalent marker is re-synthesised so
// the new subscriber still observes termination.
func (b *memBuffer) Subscribe(w Wakeup) (RawSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%s: %w", b.name, ErrBufferClosed)
	}
	if b.subscribed {
		return nil, fmt.Errorf("%s: %w", b.name, ErrAlreadySubscribed)
	}
	b.cancelDiscardLocked()
	b.subscribed = true
	b.wakeup = w
	if b.completeDiscarded {
		b.cfg.logger.Debug("re-synthesising swept completion", "buffer", b.name)
		b.queue = append(b.queue, queueItem{complete: true, err: b.discardedErr})
		b.completeDiscarded = false
		b.discardedErr = nil
	}
	if w != nil && len(b.queue) > 0 {
		w.Signal()
	}
	b.cfg.logger.Debug("buffer subscribed to", "buffer", b.name)
	return &memSubscription{b: b}, nil
}

// Close tears the buffer down, dropping queued values and waking anyone
// blocked on it.
func (b *memBuffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancelDiscardLocked()
	dropped := len(b.queue)
	b.queue = nil
	w := b.wakeup
	b.wakeup = nil
	b.subscribed = false
	b.publishers = 0
	b.notFull.Broadcast()
	b.mu.Unlock()

	if dropped > 0 && b.cfg.warnOnDiscard {
		b.cfg.logger.Warn("buffer closed with queued values", "buffer", b.name, "dropped", dropped)
	}
	if w != nil {
		w.Signal()
	}
	return nil
}

// enqueue appends an item, blocking on a full bounded buffer when wait is
// true. Completion markers never block: they are control-plane and must be
// deliverable during teardown. The subscriber's wakeup is signalled after
// the state mutation and outside the lock.
func (b *memBuffer) enqueue(p *memPublisher, it queueItem, wait bool) error {
	b.mu.Lock()
	for {
		if b.closed {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrBufferClosed)
		}
		if p.isReleased() {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrPublisherReleased)
		}
		if b.completed {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrCompleted)
		}
		if it.complete || b.cap == 0 || len(b.queue) < b.cap {
			break
		}
		if !wait {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrBufferFull)
		}
		b.notFull.Wait()
	}
	b.queue = append(b.queue, it)
	if it.complete {
		b.completed = true
		// Fail any publisher blocked on capacity; the buffer is over.
		b.notFull.Broadcast()
	}
	w := b.wakeup
	b.mu.Unlock()

	if it.complete {
		b.emit(NewEvent(EventBufferCompleted, b.name, b.id).WithError(it.err))
	}
	if w != nil {
		w.Signal()
	}
	return nil
}

// pop removes the head of the queue. Returns ok=false when empty.
func (b *memBuffer) pop(s *memSubscription) (queueItem, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.released {
		return queueItem{}, false, fmt.Errorf("%s: %w", b.name, ErrSubscriptionReleased)
	}
	if b.closed && !s.terminated {
		return queueItem{}, false, fmt.Errorf("%s: %w", b.name, ErrBufferClosed)
	}
	if s.terminated || len(b.queue) == 0 {
		return queueItem{}, false, nil
	}
	it := b.queue[0]
	b.queue = b.queue[1:]
	if it.complete {
		s.terminated = true
	} else if b.cap > 0 {
		b.notFull.Signal()
	}
	return it, true, nil
}

func (b *memBuffer) releasePublisher(p *memPublisher) {
	b.mu.Lock()
	b.publishers--
	b.cfg.logger.Debug("buffer unpublished from", "buffer", b.name, "publishers", b.publishers)
	// Wake a publish blocked on this same handle so it can observe release.
	b.notFull.Broadcast()
	b.maybeArmDiscardLocked()
	b.mu.Unlock()
}

func (b *memBuffer) releaseSubscription() {
	b.mu.Lock()
	b.subscribed = false
	b.wakeup = nil
	b.cfg.logger.Debug("buffer unsubscribed from", "buffer", b.name)
	b.maybeArmDiscardLocked()
	b.mu.Unlock()
}

// maybeArmDiscardLocked arms the discard sweep when the last endpoint
// detaches while values remain queued. Must hold b.mu.
func (b *memBuffer) maybeArmDiscardLocked() {
	if b.closed || b.subscribed || b.publishers > 0 || len(b.queue) == 0 || b.discardTimer != nil {
		return
	}
	b.cfg.logger.Debug("arming discard sweep", "buffer", b.name, "grace", b.cfg.grace)
	b.discardTimer = time.AfterFunc(b.cfg.grace, b.sweep)
}

// cancelDiscardLocked disarms a pending sweep. If the sweep has already
// fired, sweep itself re-checks the attachment counts under the lock and
// backs off. Must hold b.mu.
func (b *memBuffer) cancelDiscardLocked() {
	if b.discardTimer != nil {
		b.discardTimer.Stop()
		b.discardTimer = nil
	}
}

// sweep drains the queue after the grace period, provided both ends are
// still detached. A swept completion marker is remembered so a later
// subscriber still observes termination.
func (b *memBuffer) sweep() {
	b.mu.Lock()
	b.discardTimer = nil
	if b.closed || b.subscribed || b.publishers > 0 {
		b.mu.Unlock()
		return
	}
	values := 0
	for _, it := range b.queue {
		if it.complete {
			b.completeDiscarded = true
			b.discardedErr = it.err
		} else {
			values++
		}
	}
	b.queue = nil
	b.notFull.Broadcast()
	b.mu.Unlock()

	if values > 0 && b.cfg.warnOnDiscard {
		b.cfg.logger.Warn("discard sweep drained abandoned buffer", "buffer", b.name, "values", values)
	} else {
		b.cfg.logger.Debug("discard sweep ran", "buffer", b.name, "values", values)
	}
	b.emit(NewEvent(EventBufferDiscarded, b.name, b.id).WithPayload("values", values))
}

func (b *memBuffer) emit(e Event) {
	if b.cfg.events != nil {
		b.cfg.events(e)
	}
}

// memPublisher is one publishing slot on a memBuffer.
type memPublisher struct {
	b *memBuffer

	mu            sync.Mutex
	released      bool
	completedSelf bool
}

func (p *memPublisher) BufferName() string { return p.b.name }

func (p *memPublisher) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *memPublisher) checkUsable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return fmt.Errorf("%s: %w", p.b.name, ErrPublisherReleased)
	}
	if p.completedSelf {
		return fmt.Errorf("%s: %w", p.b.name, ErrAlreadyCompleted)
	}
	return nil
}

func (p *memPublisher) Publish(v any) error {
	if err := p.checkUsable(); err != nil {
		return err
	}
	return p.b.enqueue(p, queueItem{value: v}, true)
}

func (p *memPublisher) TryPublish(v any) error {
	if err := p.checkUsable(); err != nil {
		return err
	}
	return p.b.enqueue(p, queueItem{value: v}, false)
}

func (p *memPublisher) PublishComplete(err error) error {
	if uerr := p.checkUsable(); uerr != nil {
		return uerr
	}
	if eerr := p.b.enqueue(p, queueItem{complete: true, err: err}, false); eerr != nil {
		return eerr
	}
	p.mu.Lock()
	p.completedSelf = true
	p.mu.Unlock()
	return nil
}

// Release gives up the publisher slot. Idempotent, so it is safe to defer.
func (p *memPublisher) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.mu.Unlock()
	p.b.releasePublisher(p)
	return nil
}

// memSubscription is the single consuming slot on a memBuffer. The released
// and terminated fields are guarded by the buffer's mutex.
type memSubscription struct {
	b          *memBuffer
	released   bool
	terminated bool
}

func (s *memSubscription) BufferName() string { return s.b.name }

func (s *memSubscription) Completed() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.terminated
}

// CallEvents pops one item at a time, invoking callbacks outside the buffer
// lock so a handler may publish onward — including back into this buffer —
// without deadlocking.
func (s *memSubscription) CallEvents(onValue func(v any) error, onComplete func(err error) error) (int, error) {
	n := 0
	for {
		it, ok, err := s.b.pop(s)
		if err != nil || !ok {
			return n, err
		}
		n++
		if it.complete {
			if onComplete != nil {
				if err := onComplete(it.err); err != nil {
					return n, err
				}
			}
			return n, nil
		}
		if onValue != nil {
			if err := onValue(it.value); err != nil {
				return n, err
			}
		}
	}
}

// Release gives up the subscription slot. Idempotent.
func (s *memSubscription) Release() error {
	s.b.mu.Lock()
	if s.released {
		s.b.mu.Unlock()
		return nil
	}
	s.released = true
	s.b.mu.Unlock()
	s.b.releaseSubscription()
	return nil
}

// Compile-time interface checks.
var (
	_ RawBuffer       = (*memBuffer)(nil)
	_ RawPublisher    = (*memPublisher)(nil)
	_ RawSubscription = (*memSubscription)(nil)
)

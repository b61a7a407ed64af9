package puma

// Handler receives the values drained from one buffer subscription.
// OnComplete is invoked at most once per subscription lifetime, after the
// last value. Either method returning an error ends the servicing loop of
// the runnable the handler is registered on.
type Handler[T any] interface {
	OnValue(v T) error
	OnComplete(err error) error
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are no-ops.
type HandlerFuncs[T any] struct {
	Value    func(v T) error
	Complete func(err error) error
}

// OnValue calls the Value function if set.
func (h HandlerFuncs[T]) OnValue(v T) error {
	if h.Value == nil {
		return nil
	}
	return h.Value(v)
}

// OnComplete calls the Complete function if set.
func (h HandlerFuncs[T]) OnComplete(err error) error {
	if h.Complete == nil {
		return nil
	}
	return h.Complete(err)
}

// Descriptor is the serialisable half of a buffer handle: everything a
// worker in another process needs to attach to a process-flavoured buffer.
type Descriptor struct {
	ID         string
	Name       string
	Capacity   int
	SocketPath string
}

// BufferHandle is an opaque, spawn-safe reference to a buffer. Thread
// environments resolve it by identity lookup; process workers resolve it by
// dialling the descriptor. Handles are valid inside runnable configuration
// snapshots in both flavours.
type BufferHandle struct {
	ID   string
	Desc *Descriptor
}

// RawBuffer is the untyped buffer contract implemented once per flavour.
// Application code uses the typed Buffer wrapper instead.
type RawBuffer interface {
	// ID returns the buffer's stable opaque identity.
	ID() string

	// Name returns the name given at creation, used for logging.
	Name() string

	// Capacity returns the bound on queued values, or 0 if unbounded.
	Capacity() int

	// Handle returns a spawn-safe reference to this buffer.
	Handle() BufferHandle

	// Publish attaches a new publisher. The returned publisher owns one
	// slot in the buffer's publisher count until released.
	Publish() (RawPublisher, error)

	// Subscribe attaches the single subscription, binding it to the given
	// wakeup. Fails with ErrAlreadySubscribed if one already exists.
	Subscribe(w Wakeup) (RawSubscription, error)

	// Close tears the buffer down, discarding queued values and
	// invalidating attached endpoints.
	Close() error
}

// RawPublisher is the untyped publishing end of a buffer.
type RawPublisher interface {
	// BufferName returns the name of the buffer published to.
	BufferName() string

	// Publish appends a value, blocking while a bounded buffer is full.
	Publish(v any) error

	// TryPublish appends a value or fails with ErrBufferFull.
	TryPublish(v any) error

	// PublishComplete appends the terminal completion marker with an
	// optional error. Completion is control-plane: it never blocks on
	// capacity. At most one completion per publisher; the first completion
	// on the buffer terminates it for every publisher.
	PublishComplete(err error) error

	// Release gives up this publisher's slot. Guaranteed-release callers
	// should defer it at acquisition.
	Release() error
}

// RawSubscription is the untyped consuming end of a buffer.
type RawSubscription interface {
	// BufferName returns the name of the buffer subscribed to.
	BufferName() string

	// CallEvents drains buffered items in FIFO order, invoking onValue per
	// payload, until the queue is empty or a completion marker is consumed,
	// in which case onComplete is invoked and the subscription is
	// terminated. Never blocks. Returns the number of items consumed; a
	// callback error stops the drain and is returned.
	CallEvents(onValue func(v any) error, onComplete func(err error) error) (int, error)

	// Completed reports whether this subscription has consumed the
	// terminal completion marker.
	Completed() bool

	// Release gives up the subscription slot.
	Release() error
}

// Buffer is the typed view over a RawBuffer. Values are stored untyped
// underneath so that one transport serves every element type; the wrapper
// restores static typing at the API boundary.
type Buffer[T any] struct {
	raw RawBuffer
}

// NewBuffer creates a buffer of the environment's flavour carrying values of
// type T. Capacity 0 means unbounded; capacity >= 1 blocks publishers when
// full. Values crossing a process boundary must be gob-encodable, and named
// types must be registered with encoding/gob.
func NewBuffer[T any](env Environment, name string, capacity int, opts ...BufferOption) (*Buffer[T], error) {
	raw, err := env.NewRawBuffer(name, capacity, opts...)
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{raw: raw}, nil
}

// ResolveBuffer recovers a typed buffer from a handle carried in a runnable
// configuration snapshot.
func ResolveBuffer[T any](env Environment, h BufferHandle) (*Buffer[T], error) {
	raw, err := env.ResolveHandle(h)
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{raw: raw}, nil
}

// WrapBuffer types an existing RawBuffer. Used by specialised channels that
// are created raw by the environment.
func WrapBuffer[T any](raw RawBuffer) *Buffer[T] {
	return &Buffer[T]{raw: raw}
}

// ID returns the buffer's stable opaque identity.
func (b *Buffer[T]) ID() string { return b.raw.ID() }

// Name returns the buffer's name.
func (b *Buffer[T]) Name() string { return b.raw.Name() }

// Capacity returns the bound on queued values, or 0 if unbounded.
func (b *Buffer[T]) Capacity() int { return b.raw.Capacity() }

// Handle returns a spawn-safe reference to this buffer.
func (b *Buffer[T]) Handle() BufferHandle { return b.raw.Handle() }

// Raw returns the untyped buffer underneath.
func (b *Buffer[T]) Raw() RawBuffer { return b.raw }

// Close tears the buffer down.
func (b *Buffer[T]) Close() error { return b.raw.Close() }

// Publish attaches a new typed publisher.
func (b *Buffer[T]) Publish() (*Publisher[T], error) {
	raw, err := b.raw.Publish()
	if err != nil {
		return nil, err
	}
	return &Publisher[T]{raw: raw}, nil
}

// Subscribe attaches the single subscription, bound to the given wakeup.
func (b *Buffer[T]) Subscribe(w Wakeup) (*Subscription[T], error) {
	raw, err := b.raw.Subscribe(w)
	if err != nil {
		return nil, err
	}
	return &Subscription[T]{raw: raw}, nil
}

// Publisher is a typed, transient handle to the publishing end of a buffer.
type Publisher[T any] struct {
	raw RawPublisher
}

// BufferName returns the name of the buffer published to.
func (p *Publisher[T]) BufferName() string { return p.raw.BufferName() }

// Publish appends a value, blocking while a bounded buffer is full.
func (p *Publisher[T]) Publish(v T) error { return p.raw.Publish(v) }

// TryPublish appends a value or fails with ErrBufferFull.
func (p *Publisher[T]) TryPublish(v T) error { return p.raw.TryPublish(v) }

// PublishComplete appends the terminal completion marker.
func (p *Publisher[T]) PublishComplete(err error) error { return p.raw.PublishComplete(err) }

// Release gives up this publisher's slot.
func (p *Publisher[T]) Release() error { return p.raw.Release() }

// Subscription is a typed, transient handle to the consuming end of a buffer.
type Subscription[T any] struct {
	raw RawSubscription
}

// BufferName returns the name of the buffer subscribed to.
func (s *Subscription[T]) BufferName() string { return s.raw.BufferName() }

// Completed reports whether the terminal completion has been consumed.
func (s *Subscription[T]) Completed() bool { return s.raw.Completed() }

// Release gives up the subscription slot.
func (s *Subscription[T]) Release() error { return s.raw.Release() }

// CallEvents drains buffered items through the handler. See
// RawSubscription.CallEvents for the drain contract. A value that is not of
// the buffer's element type stops the drain with ErrValueType.
func (s *Subscription[T]) CallEvents(h Handler[T]) (int, error) {
	return s.raw.CallEvents(func(v any) error {
		tv, ok := v.(T)
		if !ok {
			return ErrValueType
		}
		return h.OnValue(tv)
	}, h.OnComplete)
}

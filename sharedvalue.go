package puma

import (
	"sync"

	"github.com/google/uuid"
)

// SharedHandle is a spawn-safe reference to a shared value.
type SharedHandle struct {
	ID   string
	Desc *Descriptor
}

// RawShared is the untyped shared-value contract implemented per flavour.
// Thread environments guard a value with an in-process lock; process
// environments mediate access through the hosting process, so Get and Set
// may fail with transport errors there.
type RawShared interface {
	// Name returns the shared value's name.
	Name() string

	// Get returns the current value.
	Get() (any, error)

	// Set replaces the current value.
	Set(v any) error

	// Handle returns a spawn-safe reference.
	Handle() SharedHandle

	// Close releases the shared value.
	Close() error
}

// Shared is the typed view over a RawShared.
type Shared[T any] struct {
	raw RawShared
}

// NewShared creates a shared value of the environment's flavour.
func NewShared[T any](env Environment, name string, initial T) (*Shared[T], error) {
	raw, err := env.NewRawShared(name, initial)
	if err != nil {
		return nil, err
	}
	return &Shared[T]{raw: raw}, nil
}

// ResolveShared recovers a typed shared value from a handle carried in a
// runnable configuration snapshot.
func ResolveShared[T any](env Environment, h SharedHandle) (*Shared[T], error) {
	raw, err := env.ResolveSharedHandle(h)
	if err != nil {
		return nil, err
	}
	return &Shared[T]{raw: raw}, nil
}

// Name returns the shared value's name.
func (s *Shared[T]) Name() string { return s.raw.Name() }

// Handle returns a spawn-safe reference.
func (s *Shared[T]) Handle() SharedHandle { return s.raw.Handle() }

// Get returns the current value.
func (s *Shared[T]) Get() (T, error) {
	var zero T
	v, err := s.raw.Get()
	if err != nil {
		return zero, err
	}
	tv, ok := v.(T)
	if !ok {
		return zero, ErrValueType
	}
	return tv, nil
}

// Set replaces the current value.
func (s *Shared[T]) Set(v T) error { return s.raw.Set(v) }

// Close releases the shared value.
func (s *Shared[T]) Close() error { return s.raw.Close() }

// NewRawMemShared creates an in-process raw shared value outside any
// environment. The process environment hosts one behind a socket.
func NewRawMemShared(name string, initial any) RawShared {
	return newMemShared(name, initial)
}

// memShared is the goroutine-flavoured shared value: memory behind a mutex.
type memShared struct {
	id   string
	name string

	mu    sync.Mutex
	value any
}

func newMemShared(name string, initial any) *memShared {
	id := uuid.NewString()
	if name == "" {
		name = "shared-" + id[:8]
	}
	return &memShared{id: id, name: name, value: initial}
}

func (s *memShared) Name() string { return s.name }

func (s *memShared) Get() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *memShared) Set(v any) error {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
	return nil
}

func (s *memShared) Handle() SharedHandle {
	return SharedHandle{ID: s.id}
}

func (s *memShared) Close() error { return nil }

// Compile-time interface check.
var _ RawShared = (*memShared)(nil)

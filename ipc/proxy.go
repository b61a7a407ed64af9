package ipc

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pumalib/puma"
)

// ProxyBuffer is the remote side of a hosted buffer: a RawBuffer whose
// endpoints are connections to the hosting process.
type ProxyBuffer struct {
	desc   puma.Descriptor
	logger *slog.Logger
}

// OpenBuffer prepares attachment to a hosted buffer. Dialling happens per
// endpoint, at Publish or Subscribe time.
func OpenBuffer(desc puma.Descriptor, logger *slog.Logger) *ProxyBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyBuffer{desc: desc, logger: logger}
}

// ID returns the hosted buffer's identity.
func (b *ProxyBuffer) ID() string { return b.desc.ID }

// Name returns the hosted buffer's name.
func (b *ProxyBuffer) Name() string { return b.desc.Name }

// Capacity returns the hosted buffer's capacity.
func (b *ProxyBuffer) Capacity() int { return b.desc.Capacity }

// Handle returns the spawn-safe reference that created this proxy.
func (b *ProxyBuffer) Handle() puma.BufferHandle {
	desc := b.desc
	return puma.BufferHandle{ID: b.desc.ID, Desc: &desc}
}

// Close is a no-op on the remote side; the hosting process owns the queue.
func (b *ProxyBuffer) Close() error { return nil }

func (b *ProxyBuffer) dial(role string) (net.Conn, *gob.Encoder, *gob.Decoder, error) {
	b.logger.Debug("attaching to remote buffer", "buffer", b.desc.Name, "role", role)
	conn, err := net.Dial("unix", b.desc.SocketPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attaching to buffer %q: %w", b.desc.Name, err)
	}
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)
	if err := enc.Encode(frame{Kind: frameHello, Role: role}); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("attaching to buffer %q: %w", b.desc.Name, err)
	}
	var ack frame
	if err := dec.Decode(&ack); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("attaching to buffer %q: %w", b.desc.Name, err)
	}
	if err := codeToErr(ack.Code, ack.Msg); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return conn, enc, dec, nil
}

// Publish attaches a remote publisher.
func (b *ProxyBuffer) Publish() (puma.RawPublisher, error) {
	conn, enc, dec, err := b.dial(rolePublisher)
	if err != nil {
		return nil, err
	}
	return &proxyPublisher{name: b.desc.Name, conn: conn, enc: enc, dec: dec}, nil
}

// Subscribe attaches the remote subscription. Items are pumped from the
// host into a local queue; arrival signals the given wakeup, so one wakeup
// still multiplexes local and remote buffers.
func (b *ProxyBuffer) Subscribe(w puma.Wakeup) (puma.RawSubscription, error) {
	conn, enc, dec, err := b.dial(roleSubscriber)
	if err != nil {
		return nil, err
	}
	s := &proxySubscription{
		name:   b.desc.Name,
		window: b.desc.Capacity,
		conn:   conn,
		enc:    enc,
		wakeup: w,
	}
	go s.readLoop(dec)
	return s, nil
}

// proxyPublisher forwards publish calls to the host and waits for the ack,
// so blocking and error semantics match a local publisher.
type proxyPublisher struct {
	name string
	conn net.Conn

	mu       sync.Mutex
	enc      *gob.Encoder
	dec      *gob.Decoder
	released bool
}

func (p *proxyPublisher) BufferName() string { return p.name }

func (p *proxyPublisher) roundTrip(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return fmt.Errorf("%s: %w", p.name, puma.ErrPublisherReleased)
	}
	if err := p.enc.Encode(f); err != nil {
		return &puma.Fault{Kind: "transport", Message: "publishing to " + p.name, Cause: err.Error()}
	}
	var ack frame
	if err := p.dec.Decode(&ack); err != nil {
		return &puma.Fault{Kind: "transport", Message: "publishing to " + p.name, Cause: err.Error()}
	}
	return codeToErr(ack.Code, ack.Msg)
}

func (p *proxyPublisher) Publish(v any) error {
	return p.roundTrip(frame{Kind: frameValue, Value: v})
}

func (p *proxyPublisher) TryPublish(v any) error {
	return p.roundTrip(frame{Kind: frameValue, Value: v, Try: true})
}

func (p *proxyPublisher) PublishComplete(err error) error {
	return p.roundTrip(frame{Kind: frameComplete, Fault: puma.AsFault("complete", err)})
}

// Release detaches from the host. Idempotent.
func (p *proxyPublisher) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	p.enc.Encode(frame{Kind: frameRelease})
	return p.conn.Close()
}

// proxySubscription drains a local queue fed by the host pump. Consumed
// counts are reported back as credits so the window stays bounded.
type proxySubscription struct {
	name   string
	window int
	conn   net.Conn
	wakeup puma.Wakeup

	mu         sync.Mutex
	enc        *gob.Encoder
	queue      []frame
	terminated bool
	released   bool
	readErr    error
}

func (s *proxySubscription) BufferName() string { return s.name }

func (s *proxySubscription) readLoop(dec *gob.Decoder) {
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			s.mu.Lock()
			if !s.released && !s.terminated && s.readErr == nil {
				s.readErr = &puma.Fault{Kind: "transport", Message: "receiving from " + s.name, Cause: err.Error()}
			}
			s.mu.Unlock()
			s.wakeup.Signal()
			return
		}
		switch f.Kind {
		case frameItem, frameItemComplete:
			s.mu.Lock()
			s.queue = append(s.queue, f)
			s.mu.Unlock()
			s.wakeup.Signal()
			if f.Kind == frameItemComplete {
				return
			}
		}
	}
}

func (s *proxySubscription) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *proxySubscription) CallEvents(onValue func(v any) error, onComplete func(err error) error) (int, error) {
	n := 0
	consumedValues := 0
	defer func() {
		if consumedValues > 0 && s.window > 0 {
			s.mu.Lock()
			s.enc.Encode(frame{Kind: frameConsumed, N: consumedValues})
			s.mu.Unlock()
		}
	}()

	for {
		s.mu.Lock()
		if s.released {
			s.mu.Unlock()
			return n, fmt.Errorf("%s: %w", s.name, puma.ErrSubscriptionReleased)
		}
		if s.terminated || len(s.queue) == 0 {
			if err := s.readErr; err != nil && !s.terminated {
				s.mu.Unlock()
				return n, err
			}
			s.mu.Unlock()
			return n, nil
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		if f.Kind == frameItemComplete {
			s.terminated = true
		}
		s.mu.Unlock()

		n++
		if f.Kind == frameItemComplete {
			if onComplete != nil {
				if err := onComplete(faultOrNil(f.Fault)); err != nil {
					return n, err
				}
			}
			return n, nil
		}
		consumedValues++
		if onValue != nil {
			if err := onValue(f.Value); err != nil {
				return n, err
			}
		}
	}
}

// Release detaches from the host. Idempotent.
func (s *proxySubscription) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.enc.Encode(frame{Kind: frameRelease})
	s.mu.Unlock()
	return s.conn.Close()
}

// Compile-time interface checks.
var (
	_ puma.RawBuffer       = (*ProxyBuffer)(nil)
	_ puma.RawPublisher    = (*proxyPublisher)(nil)
	_ puma.RawSubscription = (*proxySubscription)(nil)
)

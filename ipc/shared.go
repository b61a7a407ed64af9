package ipc

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pumalib/puma"
)

// SharedHost serves one shared value's socket. Get and set requests from
// worker processes execute against the hosted value, which keeps its own
// flavour-specific locking.
type SharedHost struct {
	shared puma.RawShared
	ln     net.Listener
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// ServeShared starts serving the shared value on the given socket path.
func ServeShared(shared puma.RawShared, socketPath string, logger *slog.Logger) (*SharedHost, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	h := &SharedHost{
		shared: shared,
		ln:     ln,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
	h.wg.Add(1)
	go h.acceptLoop()
	return h, nil
}

// Close stops accepting and drops live connections.
func (h *SharedHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]net.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	err := h.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	h.wg.Wait()
	return err
}

func (h *SharedHost) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conns[conn] = struct{}{}
		h.mu.Unlock()

		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

func (h *SharedHost) handleConn(conn net.Conn) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		switch f.Kind {
		case frameGet:
			v, err := h.shared.Get()
			code, msg := errToCode(err)
			if err := enc.Encode(frame{Kind: frameAck, Value: v, Code: code, Msg: msg}); err != nil {
				return
			}
		case frameSet:
			err := h.shared.Set(f.Value)
			code, msg := errToCode(err)
			if err := enc.Encode(frame{Kind: frameAck, Code: code, Msg: msg}); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ProxyShared is the remote side of a hosted shared value: a RawShared
// whose operations are round-trips to the hosting process.
type ProxyShared struct {
	desc puma.Descriptor

	mu   sync.Mutex
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// OpenShared attaches to a hosted shared value.
func OpenShared(desc puma.Descriptor) (*ProxyShared, error) {
	conn, err := net.Dial("unix", desc.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("attaching to shared value %q: %w", desc.Name, err)
	}
	return &ProxyShared{
		desc: desc,
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
	}, nil
}

// Name returns the shared value's name.
func (s *ProxyShared) Name() string { return s.desc.Name }

// Handle returns the spawn-safe reference.
func (s *ProxyShared) Handle() puma.SharedHandle {
	desc := s.desc
	return puma.SharedHandle{ID: s.desc.ID, Desc: &desc}
}

func (s *ProxyShared) roundTrip(f frame) (frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(f); err != nil {
		return frame{}, &puma.Fault{Kind: "transport", Message: "shared value " + s.desc.Name, Cause: err.Error()}
	}
	var ack frame
	if err := s.dec.Decode(&ack); err != nil {
		return frame{}, &puma.Fault{Kind: "transport", Message: "shared value " + s.desc.Name, Cause: err.Error()}
	}
	return ack, codeToErr(ack.Code, ack.Msg)
}

// Get fetches the current value from the host.
func (s *ProxyShared) Get() (any, error) {
	ack, err := s.roundTrip(frame{Kind: frameGet})
	if err != nil {
		return nil, err
	}
	return ack.Value, nil
}

// Set replaces the value at the host.
func (s *ProxyShared) Set(v any) error {
	_, err := s.roundTrip(frame{Kind: frameSet, Value: v})
	return err
}

// Close drops the connection to the host.
func (s *ProxyShared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Compile-time interface check.
var _ puma.RawShared = (*ProxyShared)(nil)

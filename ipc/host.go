package ipc

import (
	"encoding/gob"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pumalib/puma"
)

// pumpPoll bounds how long the subscriber pump sleeps between checks for
// host shutdown when no items arrive.
const pumpPoll = 200 * time.Millisecond

// Host serves one buffer's socket: every accepted connection is a remote
// publisher or the remote subscriber. The queue itself lives in the hosting
// process; this is only the attachment surface.
type Host struct {
	buf    puma.RawBuffer
	ln     net.Listener
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// ServeBuffer starts serving the buffer on the given unix socket path.
func ServeBuffer(buf puma.RawBuffer, socketPath string, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	h := &Host{
		buf:    buf,
		ln:     ln,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
	h.wg.Add(1)
	go h.acceptLoop()
	return h, nil
}

// Close stops accepting and tears down live attachments.
func (h *Host) Close() error {
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

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Host) track(c net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Host) untrack(c net.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		if !h.track(conn) {
			conn.Close()
			return
		}
		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

func (h *Host) handleConn(conn net.Conn) {
	defer h.wg.Done()
	defer h.untrack(conn)
	defer conn.Close()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var hello frame
	if err := dec.Decode(&hello); err != nil || hello.Kind != frameHello {
		h.logger.Debug("rejecting connection without hello", "buffer", h.buf.Name())
		return
	}
	switch hello.Role {
	case rolePublisher:
		h.servePublisher(enc, dec)
	case roleSubscriber:
		h.serveSubscriber(conn, enc, dec)
	default:
		h.logger.Debug("rejecting unknown attachment role", "buffer", h.buf.Name(), "role", hello.Role)
	}
}

// servePublisher executes publish requests against the hosted buffer,
// acking each one so the remote sees the same blocking behaviour and the
// same errors a local publisher would.
func (h *Host) servePublisher(enc *gob.Encoder, dec *gob.Decoder) {
	pub, err := h.buf.Publish()
	code, msg := errToCode(err)
	if encErr := enc.Encode(frame{Kind: frameHelloAck, Code: code, Msg: msg}); encErr != nil || err != nil {
		return
	}
	defer pub.Release()

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !h.isClosed() {
				h.logger.Debug("remote publisher connection lost", "buffer", h.buf.Name(), "err", err)
			}
			return
		}
		switch f.Kind {
		case frameValue:
			var perr error
			if f.Try {
				perr = pub.TryPublish(f.Value)
			} else {
				perr = pub.Publish(f.Value)
			}
			code, msg := errToCode(perr)
			if err := enc.Encode(frame{Kind: frameAck, Code: code, Msg: msg}); err != nil {
				return
			}
		case frameComplete:
			perr := pub.PublishComplete(faultOrNil(f.Fault))
			code, msg := errToCode(perr)
			if err := enc.Encode(frame{Kind: frameAck, Code: code, Msg: msg}); err != nil {
				return
			}
		case frameRelease:
			return
		default:
			h.logger.Debug("unexpected frame from remote publisher", "buffer", h.buf.Name(), "kind", f.Kind)
			return
		}
	}
}

// serveSubscriber takes the buffer's single subscription on behalf of the
// remote and pumps items down the connection, pausing when the credit
// window — the buffer's capacity — is exhausted.
func (h *Host) serveSubscriber(conn net.Conn, enc *gob.Encoder, dec *gob.Decoder) {
	w := puma.NewWakeup()
	sub, err := h.buf.Subscribe(w)
	code, msg := errToCode(err)
	if encErr := enc.Encode(frame{Kind: frameHelloAck, Code: code, Msg: msg}); encErr != nil || err != nil {
		return
	}
	defer sub.Release()

	window := h.buf.Capacity()
	var (
		creditMu    sync.Mutex
		creditCond  = sync.NewCond(&creditMu)
		outstanding int
		gone        bool
	)

	// Reader: consumed-credit frames and release notices from the remote.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			var f frame
			if err := dec.Decode(&f); err != nil {
				creditMu.Lock()
				gone = true
				creditMu.Unlock()
				creditCond.Broadcast()
				w.Signal()
				return
			}
			switch f.Kind {
			case frameConsumed:
				creditMu.Lock()
				outstanding -= f.N
				creditMu.Unlock()
				creditCond.Broadcast()
			case frameRelease:
				creditMu.Lock()
				gone = true
				creditMu.Unlock()
				creditCond.Broadcast()
				w.Signal()
				conn.Close()
				return
			}
		}
	}()

	isGone := func() bool {
		creditMu.Lock()
		defer creditMu.Unlock()
		return gone
	}

	sendItem := func(v any) error {
		if window > 0 {
			creditMu.Lock()
			for outstanding >= window && !gone {
				creditCond.Wait()
			}
			if gone {
				creditMu.Unlock()
				return net.ErrClosed
			}
			outstanding++
			creditMu.Unlock()
		}
		return enc.Encode(frame{Kind: frameItem, Value: v})
	}

	for {
		if h.isClosed() || isGone() {
			return
		}
		w.Wait(pumpPoll)
		_, err := sub.CallEvents(sendItem, func(cerr error) error {
			return enc.Encode(frame{Kind: frameItemComplete, Fault: puma.AsFault("complete", cerr)})
		})
		if err != nil {
			if !h.isClosed() && !isGone() {
				h.logger.Debug("remote subscriber pump ending", "buffer", h.buf.Name(), "err", err)
			}
			return
		}
		if sub.Completed() {
			return
		}
	}
}

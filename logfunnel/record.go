package logfunnel

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Record is the wire form of one log record travelling from a worker (or
// the parent) to the listener process.
type Record struct {
	Time    time.Time
	Level   int
	Message string
	Logger  string
	PID     int
	Attrs   map[string]string
}

// toSlog rebuilds a slog record for the listener's sinks.
func (r Record) toSlog() slog.Record {
	rec := slog.NewRecord(r.Time, slog.Level(r.Level), r.Message, 0)
	if r.Logger != "" {
		rec.AddAttrs(slog.String(LoggerKey, r.Logger))
	}
	rec.AddAttrs(slog.Int("pid", r.PID))
	for k, v := range r.Attrs {
		rec.AddAttrs(slog.String(k, v))
	}
	return rec
}

// ClientHandler is the slog handler installed in every process that routes
// to the funnel listener. The parent's configured filtering is replicated
// here so suppressed records are never encoded or enqueued. Records from
// one process travel one connection, which preserves per-source order.
type ClientHandler struct {
	cfg   Config
	min   slog.Level
	attrs []slog.Attr
	cc    *clientConn
}

// clientConn serialises writes to the shared listener connection.
type clientConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *gob.Encoder
}

// NewClientHandler dials the listener socket.
func NewClientHandler(socketPath string, cfg Config) (*ClientHandler, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("log funnel: dialling listener: %w", err)
	}
	return &ClientHandler{
		cfg: cfg,
		min: minimumLevel(cfg),
		cc:  &clientConn{conn: conn, enc: gob.NewEncoder(conn)},
	}, nil
}

// Enabled applies the replicated configuration's loosest level.
func (h *ClientHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

// Handle encodes the record to the listener, applying per-logger filtering
// first so irrelevant records are not enqueued.
func (h *ClientHandler) Handle(_ context.Context, rec slog.Record) error {
	out := Record{
		Time:    rec.Time,
		Level:   int(rec.Level),
		Message: rec.Message,
		PID:     os.Getpid(),
		Attrs:   make(map[string]string),
	}
	collect := func(a slog.Attr) bool {
		if a.Key == LoggerKey {
			out.Logger = a.Value.String()
		} else {
			out.Attrs[a.Key] = a.Value.String()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(collect)

	if rec.Level < h.cfg.levelFor(out.Logger) {
		return nil
	}

	h.cc.mu.Lock()
	defer h.cc.mu.Unlock()
	return h.cc.enc.Encode(out)
}

// WithAttrs returns a handler carrying the extra attributes. The connection
// is shared with the parent handler.
func (h *ClientHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ClientHandler{
		cfg:   h.cfg,
		min:   h.min,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
		cc:    h.cc,
	}
}

// WithGroup is accepted but flattened.
func (h *ClientHandler) WithGroup(string) slog.Handler { return h }

// Close drops the connection to the listener.
func (h *ClientHandler) Close() error {
	h.cc.mu.Lock()
	defer h.cc.mu.Unlock()
	return h.cc.conn.Close()
}

// Compile-time interface check.
var _ slog.Handler = (*ClientHandler)(nil)

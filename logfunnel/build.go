package logfunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerKey is the attribute that carries a logger name on a record. The
// routing and filtering in this package keys off it.
const LoggerKey = "logger"

// Named returns a child logger carrying the given logger name, which the
// configuration's loggers section can filter and route on.
func Named(l *slog.Logger, name string) *slog.Logger {
	return l.With(LoggerKey, name)
}

// Build constructs a logger that applies the configuration in-process.
// The returned closer owns any files or databases the handlers opened.
func Build(cfg Config) (*slog.Logger, io.Closer, error) {
	h, closer, err := BuildHandler(cfg)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(h), closer, nil
}

// BuildHandler constructs the routing slog handler for a configuration.
func BuildHandler(cfg Config) (slog.Handler, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	var closers multiCloser
	sinks := make(map[string]*sinkHandler, len(cfg.Handlers))
	for name, hc := range cfg.Handlers {
		sink, err := buildSink(cfg, hc, &closers)
		if err != nil {
			closers.Close()
			return nil, nil, fmt.Errorf("log config: handler %q: %w", name, err)
		}
		sinks[name] = sink
	}
	return &routerHandler{cfg: cfg, sinks: sinks, min: minimumLevel(cfg)}, &closers, nil
}

// minimumLevel is the lowest level any logger in the configuration lets
// through; Enabled uses it as the cheap pre-filter.
func minimumLevel(cfg Config) slog.Level {
	min := cfg.rootLevel()
	for _, lc := range cfg.Loggers {
		if lc.Level == "" {
			continue
		}
		if lvl, err := ParseLevel(lc.Level); err == nil && lvl < min {
			min = lvl
		}
	}
	return min
}

func buildSink(cfg Config, hc HandlerConfig, closers *multiCloser) (*sinkHandler, error) {
	level := slog.LevelDebug
	if hc.Level != "" {
		parsed, err := ParseLevel(hc.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	var filters []recordFilter
	for _, fname := range hc.Filters {
		fc := cfg.Filters[fname]
		f, err := buildFilter(fc)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", fname, err)
		}
		filters = append(filters, f)
	}

	var inner slog.Handler
	switch hc.Class {
	case ClassConsole:
		stream := os.Stderr
		if hc.Stream == "stdout" {
			stream = os.Stdout
		}
		inner = formatHandler(cfg, hc, stream)
	case ClassFile:
		// #nosec G304 -- path comes from explicit log configuration.
		f, err := os.OpenFile(hc.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		closers.add(f)
		inner = formatHandler(cfg, hc, f)
	case ClassTimedRotatingFile:
		w, err := NewRotatingWriter(hc.Filename, hc.RetentionDays, hc.UTC)
		if err != nil {
			return nil, err
		}
		closers.add(w)
		inner = formatHandler(cfg, hc, w)
	case ClassSQLite:
		h, err := NewSQLiteHandler(hc.Filename)
		if err != nil {
			return nil, err
		}
		closers.add(h)
		inner = h
	default:
		return nil, fmt.Errorf("unknown class %q", hc.Class)
	}

	return &sinkHandler{inner: inner, min: level, filters: filters}, nil
}

// formatHandler builds the text or json renderer named by the handler's
// formatter, honouring its timestamp layout.
func formatHandler(cfg Config, hc HandlerConfig, w io.Writer) slog.Handler {
	format := "text"
	datefmt := ""
	if hc.Formatter != "" {
		fc := cfg.Formatters[hc.Formatter]
		format = fc.Format
		datefmt = fc.DateFmt
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if datefmt != "" {
		layout := datefmt
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
			}
			return a
		}
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// recordFilter decides whether a sink accepts a record.
type recordFilter func(logger string, level slog.Level) bool

func buildFilter(fc FilterConfig) (recordFilter, error) {
	min := slog.LevelDebug
	if fc.MinLevel != "" {
		parsed, err := ParseLevel(fc.MinLevel)
		if err != nil {
			return nil, err
		}
		min = parsed
	}
	prefix := fc.LoggerPrefix
	return func(logger string, level slog.Level) bool {
		if prefix != "" && logger != prefix && !strings.HasPrefix(logger, prefix+".") {
			return true // filter does not apply to this logger
		}
		return level >= min
	}, nil
}

// sinkHandler applies a sink's level and filters before its renderer.
type sinkHandler struct {
	inner   slog.Handler
	min     slog.Level
	filters []recordFilter
}

func (s *sinkHandler) accepts(logger string, level slog.Level) bool {
	if level < s.min {
		return false
	}
	for _, f := range s.filters {
		if !f(logger, level) {
			return false
		}
	}
	return true
}

// routerHandler fans records out to the sinks selected by the record's
// logger name: the longest configured logger match plus — unless that
// logger opts out of propagation — the root handlers.
type routerHandler struct {
	cfg   Config
	sinks map[string]*sinkHandler
	min   slog.Level
	attrs []slog.Attr
	group string
}

// Enabled pre-filters on the loosest configured level; exact per-logger
// filtering happens in Handle where the logger attribute is visible.
func (r *routerHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= r.min
}

// Handle routes one record.
func (r *routerHandler) Handle(ctx context.Context, rec slog.Record) error {
	if len(r.attrs) > 0 {
		clone := rec.Clone()
		clone.AddAttrs(r.attrs...)
		rec = clone
	}
	logger := loggerNameOf(rec)
	if rec.Level < r.cfg.levelFor(logger) {
		return nil
	}

	names, propagate := r.cfg.handlersFor(logger)
	var firstErr error
	deliver := func(handlerNames []string) {
		for _, name := range handlerNames {
			sink, ok := r.sinks[name]
			if !ok || !sink.accepts(logger, rec.Level) {
				continue
			}
			if err := sink.inner.Handle(ctx, rec); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	deliver(names)
	if propagate {
		deliver(r.cfg.Root.Handlers)
	}
	return firstErr
}

// WithAttrs returns a router carrying the extra attributes.
func (r *routerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *r
	clone.attrs = append(append([]slog.Attr{}, r.attrs...), attrs...)
	return &clone
}

// WithGroup is accepted but flattened; the configuration document has no
// notion of groups.
func (r *routerHandler) WithGroup(name string) slog.Handler {
	clone := *r
	clone.group = name
	return &clone
}

// handlersFor returns the sink names for a logger and whether root sinks
// should also receive the record.
func (c Config) handlersFor(logger string) ([]string, bool) {
	best := -1
	var names []string
	propagate := true
	for name, lc := range c.Loggers {
		if logger != name && !strings.HasPrefix(logger, name+".") {
			continue
		}
		if len(name) > best {
			best = len(name)
			names = lc.Handlers
			propagate = lc.Propagate == nil || *lc.Propagate
		}
	}
	if best < 0 {
		return nil, true
	}
	return names, propagate
}

func loggerNameOf(rec slog.Record) string {
	logger := ""
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == LoggerKey {
			logger = a.Value.String()
			return false
		}
		return true
	})
	return logger
}

// multiCloser closes everything the handlers opened.
type multiCloser struct {
	closers []io.Closer
}

func (m *multiCloser) add(c io.Closer) {
	m.closers = append(m.closers, c)
}

// Close closes all owned resources, keeping the first error.
func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package logfunnel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS log_records (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	time    TEXT NOT NULL,
	level   TEXT NOT NULL,
	logger  TEXT NOT NULL DEFAULT '',
	pid     INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL,
	attrs   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_log_records_time ON log_records(time);
CREATE INDEX IF NOT EXISTS idx_log_records_logger ON log_records(logger);
`

// SQLiteHandler is a sink that appends records to a SQLite database, with
// WAL mode enabled so readers never block the writer.
type SQLiteHandler struct {
	db    *sql.DB
	attrs []slog.Attr
}

// NewSQLiteHandler opens (or creates) the database and its schema.
func NewSQLiteHandler(dsn string) (*SQLiteHandler, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite sink: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite sink: create schema: %w", err)
	}
	return &SQLiteHandler{db: db}, nil
}

// Enabled always accepts; leveling is done by the routing layer.
func (h *SQLiteHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle appends one record.
func (h *SQLiteHandler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]string)
	logger := ""
	pid := 0
	collect := func(a slog.Attr) bool {
		switch a.Key {
		case LoggerKey:
			logger = a.Value.String()
		case "pid":
			pid = int(a.Value.Int64())
		default:
			attrs[a.Key] = a.Value.String()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(collect)

	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("sqlite sink: marshal attrs: %w", err)
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO log_records (time, level, logger, pid, message, attrs) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.Level.String(),
		logger,
		pid,
		rec.Message,
		string(attrsJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlite sink: insert: %w", err)
	}
	return nil
}

// WithAttrs returns a handler carrying the extra attributes.
func (h *SQLiteHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup is accepted but flattened.
func (h *SQLiteHandler) WithGroup(string) slog.Handler { return h }

// Close closes the database.
func (h *SQLiteHandler) Close() error { return h.db.Close() }

// Compile-time interface check.
var _ slog.Handler = (*SQLiteHandler)(nil)

package logfunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const rotateSuffixLayout = "2006-01-02"

// RotatingWriter appends to a file and rotates it at each midnight
// boundary, renaming the closed file with the previous day's date suffix.
// Rotated files older than the retention window are pruned.
type RotatingWriter struct {
	path      string
	retention time.Duration
	utc       bool
	sched     cron.Schedule

	mu   sync.Mutex
	file *os.File
	next time.Time
}

// NewRotatingWriter opens the file and arms the first rotation boundary.
// retentionDays <= 0 disables pruning.
func NewRotatingWriter(path string, retentionDays int, utc bool) (*RotatingWriter, error) {
	sched, err := cron.ParseStandard("0 0 * * *")
	if err != nil {
		return nil, fmt.Errorf("rotating writer: %w", err)
	}
	// #nosec G304 -- path comes from explicit log configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rotating writer: %w", err)
	}
	w := &RotatingWriter{
		path:      path,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		utc:       utc,
		sched:     sched,
		file:      f,
	}
	w.next = sched.Next(w.now())
	return w, nil
}

func (w *RotatingWriter) now() time.Time {
	if w.utc {
		return time.Now().UTC()
	}
	return time.Now()
}

// Write appends to the current file, rotating first if the boundary has
// passed.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now := w.now(); !now.Before(w.next) {
		if err := w.rotateLocked(now); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

// Close closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *RotatingWriter) rotateLocked(now time.Time) error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("rotating writer: %w", err)
	}
	suffix := now.AddDate(0, 0, -1).Format(rotateSuffixLayout)
	rotated := w.path + "." + suffix
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotating writer: %w", err)
	}
	// #nosec G304 -- path comes from explicit log configuration.
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("rotating writer: %w", err)
	}
	w.file = f
	w.next = w.sched.Next(now)
	w.pruneLocked(now)
	return nil
}

// pruneLocked removes rotated files past the retention window. Pruning is
// best-effort; a failure never blocks logging.
func (w *RotatingWriter) pruneLocked(now time.Time) {
	if w.retention <= 0 {
		return
	}
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	sort.Strings(matches)
	cutoff := now.Add(-w.retention)
	prefix := w.path + "."
	for _, m := range matches {
		stamp, err := time.Parse(rotateSuffixLayout, m[len(prefix):])
		if err != nil {
			continue
		}
		if stamp.Before(cutoff) {
			os.Remove(m)
		}
	}
}

// NextRotation reports the currently armed rotation boundary.
func (w *RotatingWriter) NextRotation() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

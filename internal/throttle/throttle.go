// Package throttle implements the output throttle (C5): a per-session
// buffered channel that coalesces bursts of terminal output lines into
// batches, debounced by a one-shot flush timer, with optional on-disk tail
// logging.
package throttle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OutputBatch is delivered to onFlush listeners: every pending line for a
// session, in insertion order, as of the flush.
type OutputBatch struct {
	SessionID string
	Lines     []string
}

// Listener receives flushed batches.
type Listener func(OutputBatch)

type sessionBuf struct {
	mu      sync.Mutex
	flushMu sync.Mutex // held for a whole Flush, including listener calls
	lines   []string
	timer   *time.Timer
	logFile *os.File
}

// Throttle coalesces per-session output lines into batches. Within a
// session, flushed batches preserve insertion order; across sessions no
// ordering is promised. A flush in progress for a session serializes
// against concurrent flushes of the same session via that session's
// flushMu, so listeners never run concurrently for one session.
type Throttle struct {
	flushInterval time.Duration
	maxBatchSize  int
	persistLogs   bool
	logDir        string

	mu        sync.Mutex
	sessions  map[string]*sessionBuf
	listeners []Listener
	listenMu  sync.RWMutex
}

// New creates a Throttle with the given debounce interval, max batch size,
// and optional on-disk tail-log directory.
func New(flushIntervalMs, maxBatchSize int, persistLogs bool, logDir string) *Throttle {
	if flushIntervalMs <= 0 {
		flushIntervalMs = 100
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 128
	}
	return &Throttle{
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		maxBatchSize:  maxBatchSize,
		persistLogs:   persistLogs,
		logDir:        logDir,
		sessions:      make(map[string]*sessionBuf),
	}
}

// OnFlush registers a listener invoked with every flushed batch.
func (t *Throttle) OnFlush(fn Listener) {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Throttle) getOrCreate(sessionID string) *sessionBuf {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb, ok := t.sessions[sessionID]
	if !ok {
		sb = &sessionBuf{}
		t.sessions[sessionID] = sb
	}
	return sb
}

// GetLogPath returns the tail-log path for a session, regardless of
// whether persistence is currently enabled.
func (t *Throttle) GetLogPath(sessionID string) string {
	return filepath.Join(t.logDir, fmt.Sprintf("session-%s.log", sessionID))
}

// Push appends line to sessionID's pending buffer. It installs or resets a
// one-shot flush timer, flushing immediately if the buffer reaches
// maxBatchSize. If persistence is enabled, the line is appended
// synchronously to the session's tail log before Push returns.
func (t *Throttle) Push(sessionID, line string) error {
	if t.persistLogs {
		if err := t.appendLog(sessionID, line); err != nil {
			return err
		}
	}

	sb := t.getOrCreate(sessionID)
	sb.mu.Lock()
	sb.lines = append(sb.lines, line)
	full := len(sb.lines) >= t.maxBatchSize
	if !full {
		if sb.timer == nil {
			sb.timer = time.AfterFunc(t.flushInterval, func() { t.Flush(sessionID) })
		} else {
			sb.timer.Reset(t.flushInterval)
		}
	}
	sb.mu.Unlock()

	if full {
		t.Flush(sessionID)
	}
	return nil
}

func (t *Throttle) appendLog(sessionID, line string) error {
	sb := t.getOrCreate(sessionID)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.logFile == nil {
		if err := os.MkdirAll(t.logDir, 0o755); err != nil {
			return fmt.Errorf("create throttle log dir: %w", err)
		}
		f, err := os.OpenFile(t.GetLogPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open throttle log for %s: %w", sessionID, err)
		}
		sb.logFile = f
	}
	if _, err := sb.logFile.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write throttle log for %s: %w", sessionID, err)
	}
	return nil
}

// Flush delivers the pending batch for sessionID to every registered
// listener and clears the buffer. A flush on an empty buffer is a no-op.
func (t *Throttle) Flush(sessionID string) {
	t.mu.Lock()
	sb, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return
	}

	sb.flushMu.Lock()
	defer sb.flushMu.Unlock()

	sb.mu.Lock()
	if len(sb.lines) == 0 {
		sb.mu.Unlock()
		return
	}
	lines := sb.lines
	sb.lines = nil
	if sb.timer != nil {
		sb.timer.Stop()
	}
	sb.mu.Unlock()

	batch := OutputBatch{SessionID: sessionID, Lines: lines}
	t.listenMu.RLock()
	listeners := append([]Listener(nil), t.listeners...)
	t.listenMu.RUnlock()
	for _, l := range listeners {
		l(batch)
	}
}

// Remove performs a final flush for sessionID then drops all state,
// including closing any open tail-log file handle.
func (t *Throttle) Remove(sessionID string) {
	t.Flush(sessionID)

	t.mu.Lock()
	sb, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	sb.mu.Lock()
	if sb.timer != nil {
		sb.timer.Stop()
	}
	if sb.logFile != nil {
		if err := sb.logFile.Close(); err != nil {
			slog.Warn("failed to close throttle log file", "session_id", sessionID, "error", err)
		}
	}
	sb.mu.Unlock()
}

// ActiveCount returns the number of sessions with live buffer state.
func (t *Throttle) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// GetPendingCount returns the number of unflushed lines for a session.
func (t *Throttle) GetPendingCount(sessionID string) int {
	t.mu.Lock()
	sb, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.lines)
}

// Shutdown flushes every session then stops all timers and closes tail-log
// files.
func (t *Throttle) Shutdown() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Remove(id)
	}
}

package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentworkbench/internal/outputparser"
)

// ConversationLogConfig configures the optional structured conversation
// log sink: one newline-delimited JSON file per session, recording parsed
// C6 events rather than raw terminal bytes, for offline analysis
// alongside the throttle's raw `.log` tail file.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// ConversationLogEvent is a single structured entry written to a
// session's ND-JSON log.
type ConversationLogEvent struct {
	SessionID  string    `json:"sessionId"`
	EventType  string    `json:"eventType"`
	ContentRaw string    `json:"contentRaw,omitempty"`
	Content    string    `json:"content,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConversationLogger writes ConversationLogEvents to per-session ND-JSON
// files via a single background goroutine, so Log never blocks a tap's
// flush path on file I/O.
type ConversationLogger struct {
	dir    string
	log    *slog.Logger
	events chan ConversationLogEvent
	done   chan struct{}

	mu    sync.Mutex
	files map[string]*os.File
}

// NewConversationLogger creates a ConversationLogger. If cfg.Enabled is
// false, it returns (nil, nil) — callers treat a nil logger as "disabled"
// and skip calling Log.
func NewConversationLogger(cfg ConversationLogConfig, log *slog.Logger) (*ConversationLogger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}

	cl := &ConversationLogger{
		dir:    cfg.Dir,
		log:    log,
		events: make(chan ConversationLogEvent, queueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go cl.run()
	return cl, nil
}

// Log enqueues event for asynchronous writing. If the queue is full the
// event is dropped and logged at debug level — the conversation log is a
// best-effort diagnostic sink, not the durable record (C8 is).
func (cl *ConversationLogger) Log(event ConversationLogEvent) {
	if cl == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}
	select {
	case cl.events <- event:
	default:
		cl.log.Debug("conversation log queue full, dropping event", "session_id", event.SessionID)
	}
}

func (cl *ConversationLogger) run() {
	defer close(cl.done)
	for event := range cl.events {
		if err := cl.write(event); err != nil {
			cl.log.Warn("conversation log write failed", "session_id", event.SessionID, "error", err)
		}
	}
}

func (cl *ConversationLogger) write(event ConversationLogEvent) error {
	f, err := cl.fileFor(event.SessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

func (cl *ConversationLogger) fileFor(sessionID string) (*os.File, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if f, ok := cl.files[sessionID]; ok {
		return f, nil
	}
	path := filepath.Join(cl.dir, sessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open conversation log for %s: %w", sessionID, err)
	}
	cl.files[sessionID] = f
	return f, nil
}

// Close stops accepting new events, drains the queue, and closes every
// open file handle.
func (cl *ConversationLogger) Close() error {
	if cl == nil {
		return nil
	}
	close(cl.events)
	<-cl.done

	cl.mu.Lock()
	defer cl.mu.Unlock()
	var firstErr error
	for _, f := range cl.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cleanForReadability strips ANSI escape sequences from raw terminal
// content so the structured log's Content field is plain text.
func cleanForReadability(raw string) string {
	return outputparser.StripANSI(raw)
}

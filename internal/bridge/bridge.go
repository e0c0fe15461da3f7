// Package bridge implements the session bridge (C9): it binds the mux
// adapter, lifecycle manager, output throttle, output parser, and event
// bus together into the per-session operations the WebSocket, SSE, and
// tool-RPC gateways call.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/core/errkind"
	"github.com/ashureev/agentworkbench/internal/domain"
	"github.com/ashureev/agentworkbench/internal/lifecycle"
	"github.com/ashureev/agentworkbench/internal/mux"
	"github.com/ashureev/agentworkbench/internal/outputparser"
	"github.com/ashureev/agentworkbench/internal/registry"
	"github.com/ashureev/agentworkbench/internal/throttle"
)

const defaultOutputBufferLines = 500

// sessionTap holds the live-output state for a single session: the parser
// carrying state across output batches, a bounded ring buffer of raw lines
// for replay, connected client ids, and any outstanding permission
// request awaiting a response.
type sessionTap struct {
	mu                sync.Mutex
	cancel            context.CancelFunc
	parser            *outputparser.Parser
	lastLineCount     int
	buffer            []string
	clients           map[string]bool
	pendingPermission *domain.ParsedEvent
}

// Bridge wires C2-C6 together per session and exposes the operations the
// chat/SSE/tool-RPC gateways consume.
type Bridge struct {
	reg      *registry.Registry
	lc       *lifecycle.Manager
	mx       mux.Adapter
	b        *bus.Bus
	th       *throttle.Throttle
	convLog  *ConversationLogger
	log      *slog.Logger

	pollInterval time.Duration
	bufferSize   int

	mu   sync.Mutex
	taps map[string]*sessionTap
}

// New creates a Bridge. convLog may be nil if the structured conversation
// log is disabled.
func New(reg *registry.Registry, lc *lifecycle.Manager, mx mux.Adapter, b *bus.Bus, th *throttle.Throttle, convLog *ConversationLogger, pollInterval time.Duration, bufferSize int) *Bridge {
	if pollInterval <= 0 {
		pollInterval = 300 * time.Millisecond
	}
	if bufferSize <= 0 {
		bufferSize = defaultOutputBufferLines
	}
	br := &Bridge{
		reg:          reg,
		lc:           lc,
		mx:           mx,
		b:            b,
		th:           th,
		convLog:      convLog,
		log:          slog.Default(),
		pollInterval: pollInterval,
		bufferSize:   bufferSize,
		taps:         make(map[string]*sessionTap),
	}
	th.OnFlush(br.handleFlush)
	return br
}

// ListSessions returns every registered session.
func (br *Bridge) ListSessions() []domain.Session {
	return br.reg.GetAll()
}

// GetSession returns a single session by id.
func (br *Bridge) GetSession(id string) (domain.Session, bool) {
	return br.reg.Get(id)
}

// CreateSession delegates to the lifecycle manager and starts the
// session's output tap.
func (br *Bridge) CreateSession(ctx context.Context, draft domain.Draft) (string, error) {
	s, err := br.lc.CreateSession(ctx, draft)
	if err != nil {
		return "", err
	}
	br.startTap(s.ID, s.MuxSession, s.MuxPane)
	return s.ID, nil
}

// KillSession stops the output tap and delegates to the lifecycle
// manager.
func (br *Bridge) KillSession(ctx context.Context, id string) bool {
	br.stopTap(id)
	return br.lc.KillSession(ctx, id)
}

// ConnectClient registers clientId as connected to sessionId. When replay
// is true the currently buffered raw output lines are returned so a
// late-connecting client can catch up.
func (br *Bridge) ConnectClient(sessionID, clientID string, replay bool) ([]string, error) {
	tap := br.getTap(sessionID)
	if tap == nil {
		return nil, errkind.New(errkind.UnknownSession, sessionID)
	}

	tap.mu.Lock()
	tap.clients[clientID] = true
	var out []string
	if replay {
		out = append(out, tap.buffer...)
	}
	tap.mu.Unlock()

	br.reg.Update(context.Background(), sessionID, patchConnectedClients(br, sessionID))
	return out, nil
}

// DisconnectClient removes clientId from sessionId's connected set.
func (br *Bridge) DisconnectClient(sessionID, clientID string) {
	tap := br.getTap(sessionID)
	if tap == nil {
		return
	}
	tap.mu.Lock()
	delete(tap.clients, clientID)
	tap.mu.Unlock()
	br.reg.Update(context.Background(), sessionID, patchConnectedClients(br, sessionID))
}

func patchConnectedClients(br *Bridge, sessionID string) domain.Patch {
	tap := br.getTap(sessionID)
	if tap == nil {
		return domain.Patch{}
	}
	tap.mu.Lock()
	ids := make([]string, 0, len(tap.clients))
	for id := range tap.clients {
		ids = append(ids, id)
	}
	tap.mu.Unlock()
	return domain.Patch{ConnectedClients: ids}
}

// SendInput appends a newline and writes text to the session's pane.
func (br *Bridge) SendInput(ctx context.Context, sessionID, text string) bool {
	s, ok := br.reg.Get(sessionID)
	if !ok {
		return false
	}
	ref := mux.PaneRef{Session: s.MuxSession, Pane: s.MuxPane}
	if err := br.mx.SendKeys(ctx, ref, text, true); err != nil {
		br.log.Warn("send input failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// SendInterrupt writes a Ctrl-C (ETX) to the session's pane.
func (br *Bridge) SendInterrupt(ctx context.Context, sessionID string) bool {
	s, ok := br.reg.Get(sessionID)
	if !ok {
		return false
	}
	ref := mux.PaneRef{Session: s.MuxSession, Pane: s.MuxPane}
	if err := br.mx.SendKeys(ctx, ref, "\x03", false); err != nil {
		br.log.Warn("send interrupt failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// SendPermissionResponse routes a yes/no answer to the pending
// permission_request for sessionID, if one is outstanding.
func (br *Bridge) SendPermissionResponse(ctx context.Context, sessionID string, approved bool) bool {
	tap := br.getTap(sessionID)
	if tap == nil {
		return false
	}
	tap.mu.Lock()
	pending := tap.pendingPermission
	tap.pendingPermission = nil
	tap.mu.Unlock()
	if pending == nil {
		return false
	}

	answer := "n"
	if approved {
		answer = "y"
	}
	return br.SendInput(ctx, sessionID, answer)
}

func (br *Bridge) getTap(sessionID string) *sessionTap {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.taps[sessionID]
}

func (br *Bridge) startTap(sessionID, muxSession, muxPane string) {
	ctx, cancel := context.WithCancel(context.Background())
	tap := &sessionTap{
		cancel:  cancel,
		parser:  outputparser.New(),
		clients: make(map[string]bool),
	}
	br.mu.Lock()
	br.taps[sessionID] = tap
	br.mu.Unlock()

	go br.pollLoop(ctx, sessionID, muxSession, muxPane)
}

func (br *Bridge) stopTap(sessionID string) {
	br.mu.Lock()
	tap, ok := br.taps[sessionID]
	if ok {
		delete(br.taps, sessionID)
	}
	br.mu.Unlock()
	if !ok {
		return
	}
	tap.cancel()
	br.th.Remove(sessionID)
}

// pollLoop captures the session's pane on an interval, diffs against the
// last captured line count, and pushes newly appeared lines through the
// output throttle. CapturePane (called with lines=0) returns the backend's
// default capture depth each call;
// since backends don't expose a tail-since-offset primitive, this is the
// portable way to detect new output across both tmux and Docker.
func (br *Bridge) pollLoop(ctx context.Context, sessionID, muxSession, muxPane string) {
	ticker := time.NewTicker(br.pollInterval)
	defer ticker.Stop()

	ref := mux.PaneRef{Session: muxSession, Pane: muxPane}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			br.captureOnce(ctx, sessionID, ref)
		}
	}
}

func (br *Bridge) captureOnce(ctx context.Context, sessionID string, ref mux.PaneRef) {
	if ref.Session == "" {
		return
	}
	tap := br.getTap(sessionID)
	if tap == nil {
		return
	}

	out, err := br.mx.CapturePane(ctx, ref, 0)
	if err != nil {
		return
	}
	lines := strings.Split(out, "\n")

	tap.mu.Lock()
	start := tap.lastLineCount
	if start > len(lines) {
		start = 0
	}
	newLines := append([]string(nil), lines[start:]...)
	tap.lastLineCount = len(lines)
	tap.mu.Unlock()

	for _, line := range newLines {
		if err := br.th.Push(sessionID, line); err != nil {
			br.log.Warn("throttle push failed", "session_id", sessionID, "error", err)
		}
	}
}

// handleFlush is the throttle's onFlush callback: every batch is run
// through the session's parser and re-emitted on the bus as
// session:event entries, plus appended to the replay buffer.
func (br *Bridge) handleFlush(batch throttle.OutputBatch) {
	tap := br.getTap(batch.SessionID)
	if tap == nil {
		return
	}

	tap.mu.Lock()
	var events []domain.ParsedEvent
	for _, line := range batch.Lines {
		events = append(events, tap.parser.ParseLine(line)...)
	}
	tap.buffer = append(tap.buffer, batch.Lines...)
	if overflow := len(tap.buffer) - br.bufferSize; overflow > 0 {
		tap.buffer = tap.buffer[overflow:]
	}
	for _, ev := range events {
		if ev.Kind == domain.ParsedPermissionRequest {
			evCopy := ev
			tap.pendingPermission = &evCopy
		}
	}
	tap.mu.Unlock()

	for _, ev := range events {
		br.b.Emit(domain.EventSessionOutput, map[string]any{"sessionId": batch.SessionID, "event": ev})
		br.applyStatusTransition(batch.SessionID, ev)
		if br.convLog != nil {
			br.convLog.Log(ConversationLogEvent{
				SessionID:  batch.SessionID,
				EventType:  string(ev.Kind),
				ContentRaw: rawContentFor(ev),
			})
		}
	}
}

func rawContentFor(ev domain.ParsedEvent) string {
	switch {
	case ev.Content != "":
		return ev.Content
	case ev.Output != "":
		return ev.Output
	case ev.Message != "":
		return ev.Message
	case ev.Details != "":
		return ev.Details
	default:
		return fmt.Sprintf("%s", ev.Kind)
	}
}

func (br *Bridge) applyStatusTransition(sessionID string, ev domain.ParsedEvent) {
	now := time.Now()
	patch := domain.Patch{LastActivity: &now}
	switch ev.Kind {
	case domain.ParsedPermissionRequest:
		status := domain.StatusWaitingPermission
		patch.Status = &status
	case domain.ParsedStatus:
		if ev.State == "working" {
			status := domain.StatusWorking
			patch.Status = &status
		}
	}
	br.reg.Update(context.Background(), sessionID, patch)
}

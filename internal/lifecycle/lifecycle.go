// Package lifecycle implements the lifecycle manager (C4): session
// creation, teardown, liveness checks, and mux-session discovery, plus an
// idle-TTL reaper that retires sessions no client or agent has touched
// recently.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashureev/agentworkbench/internal/core/errkind"
	"github.com/ashureev/agentworkbench/internal/domain"
	"github.com/ashureev/agentworkbench/internal/mux"
	"github.com/ashureev/agentworkbench/internal/registry"
	"github.com/ashureev/agentworkbench/internal/telemetry"
)

// Manager is the lifecycle manager (C4). It orchestrates mux-session
// creation/teardown against a terminal-multiplexer adapter and keeps the
// session registry in sync with what the mux daemon actually has running.
type Manager struct {
	reg         *registry.Registry
	mx          mux.Adapter
	maxSessions int
	llmCommand  string

	sessionsCreated metric.Int64Counter
}

// New creates a Manager bounded to maxSessions concurrent registered
// sessions, launching agents with llmCommand.
func New(reg *registry.Registry, mx mux.Adapter, maxSessions int, llmCommand string) *Manager {
	counter, _ := telemetry.Meter("agentworkbench/lifecycle").Int64Counter(
		"sessions_created_total",
		metric.WithDescription("Sessions successfully created, by mode"),
	)
	return &Manager{reg: reg, mx: mx, maxSessions: maxSessions, llmCommand: llmCommand, sessionsCreated: counter}
}

// muxSessionName derives the mux-session name for a draft's mode, per the
// bit-exact naming rule: standalone -> "adj-<sanitized>", swarm ->
// "adj-swarm-<sanitized>", external -> "<sanitized>" as-is.
func muxSessionName(mode domain.SessionMode, name string) string {
	sanitized := mux.Sanitize(name)
	switch mode {
	case domain.ModeSwarm:
		return "adj-swarm-" + sanitized
	case domain.ModeExternal:
		return sanitized
	default:
		return "adj-" + sanitized
	}
}

// CreateSession spawns a new mux session for draft and registers it.
// Preconditions: registry is below capacity, and no mux session with the
// derived name already exists. On any failure after the mux session is
// spawned, the mux session is killed and the registry is left untouched.
func (m *Manager) CreateSession(ctx context.Context, draft domain.Draft) (*domain.Session, error) {
	ctx, span := telemetry.Tracer("agentworkbench/lifecycle").Start(ctx, "lifecycle.CreateSession")
	defer span.End()

	if m.reg.Size() >= m.maxSessions {
		return nil, errkind.New(errkind.SessionLimitReached, fmt.Sprintf("session limit reached (%d)", m.maxSessions))
	}

	name := muxSessionName(draft.Mode, draft.Name)

	exists, err := m.mx.HasSession(ctx, name)
	if err != nil {
		return nil, errkind.Wrap(errkind.MuxFailure, "check existing mux session "+name, err)
	}
	if exists {
		return nil, errkind.New(errkind.SessionAlreadyExists, "mux session "+name+" already exists")
	}

	if err := m.mx.NewSession(ctx, name, draft.ProjectPath, ""); err != nil {
		return nil, errkind.Wrap(errkind.MuxFailure, "create mux session "+name, err)
	}

	panes, err := m.mx.ListPanes(ctx, name)
	if err != nil || len(panes) == 0 {
		m.killBestEffort(ctx, name)
		if err != nil {
			return nil, errkind.Wrap(errkind.MuxFailure, "resolve panes for "+name, err)
		}
		return nil, errkind.New(errkind.MuxFailure, "mux session "+name+" has no panes")
	}
	pane := panes[0]

	cmdLine := m.llmCommand
	if len(draft.ClaudeArgs) > 0 {
		cmdLine = cmdLine + " " + strings.Join(draft.ClaudeArgs, " ")
	}
	if err := m.mx.SendKeys(ctx, pane, cmdLine, true); err != nil {
		m.killBestEffort(ctx, name)
		return nil, errkind.Wrap(errkind.MuxFailure, "launch agent in "+name, err)
	}

	sess, err := m.reg.Create(ctx, name, pane.Pane, draft)
	if err != nil {
		m.killBestEffort(ctx, name)
		return nil, err
	}
	if m.sessionsCreated != nil {
		m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(draft.Mode))))
	}
	return sess, nil
}

func (m *Manager) killBestEffort(ctx context.Context, name string) {
	if err := m.mx.KillSession(ctx, name); err != nil {
		slog.Warn("failed to kill mux session after create failure", "mux_session", name, "error", err)
	}
}

// KillSession best-effort kills the mux session (ignoring failure — the
// pane may already be gone) then removes the registry entry. Returns
// whether an entry was actually removed.
func (m *Manager) KillSession(ctx context.Context, id string) bool {
	sess, ok := m.reg.Get(id)
	if !ok {
		return false
	}
	if err := m.mx.KillSession(ctx, sess.MuxSession); err != nil {
		slog.Debug("kill mux session failed, proceeding to deregister anyway", "mux_session", sess.MuxSession, "error", err)
	}
	if err := m.reg.Delete(ctx, id); err != nil {
		slog.Warn("failed to delete registry entry after kill", "id", id, "error", err)
		return false
	}
	return true
}

// IsAlive reports whether the session's underlying mux session still
// exists.
func (m *Manager) IsAlive(ctx context.Context, id string) bool {
	sess, ok := m.reg.Get(id)
	if !ok {
		return false
	}
	alive, err := m.mx.HasSession(ctx, sess.MuxSession)
	if err != nil {
		return false
	}
	return alive
}

// DiscoverSessions lists mux sessions, optionally filtered by a plain
// string-prefix match, skips any already registered, and registers each
// remaining one with its resolved pane at status=idle. A missing mux
// daemon is not an error here — it yields an empty discovery result, since
// "no agents to adopt" is a legitimate steady state.
func (m *Manager) DiscoverSessions(ctx context.Context, prefix string) []string {
	names, err := m.mx.ListSessions(ctx)
	if err != nil {
		slog.Debug("discovery: mux daemon unavailable, nothing to discover", "error", err)
		return nil
	}

	var discovered []string
	for _, name := range names {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, ok := m.reg.FindByMuxName(name); ok {
			continue
		}

		panes, err := m.mx.ListPanes(ctx, name)
		pane := ""
		if err != nil || len(panes) == 0 {
			// Register anyway with a best-effort empty pane rather than drop
			// the session entirely: a session the client can see and later
			// delete beats one silently lost to a transient pane-resolution
			// failure.
			slog.Warn("discovery: could not resolve pane, registering with empty pane", "mux_session", name, "error", err)
		} else {
			pane = panes[0].Pane
		}

		sess, err := m.reg.Create(ctx, name, pane, domain.Draft{
			Name:          name,
			Mode:          domain.ModeExternal,
			WorkspaceType: domain.WorkspacePrimary,
		})
		if err != nil {
			slog.Warn("discovery: failed to register session", "mux_session", name, "error", err)
			continue
		}
		discovered = append(discovered, sess.ID)
	}
	return discovered
}

// StartIdleReaper runs a background sweep every interval, killing the mux
// session of every non-offline session whose LastActivity is older than
// ttl and removing its registry entry (via KillSession). It stops when ctx
// is cancelled.
func (m *Manager) StartIdleReaper(ctx context.Context, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("idle reaper started", "ttl", ttl, "interval", interval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("idle reaper shutting down", "reason", ctx.Err())
				return
			case <-ticker.C:
				m.sweepIdle(ctx, ttl)
			}
		}
	}()
}

func (m *Manager) sweepIdle(ctx context.Context, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	for _, sess := range m.reg.GetAll() {
		if sess.Status == domain.StatusOffline {
			continue
		}
		if sess.LastActivity.After(cutoff) {
			continue
		}
		slog.Info("idle reaper retiring session", "id", sess.ID, "mux_session", sess.MuxSession, "last_activity", sess.LastActivity)
		m.KillSession(ctx, sess.ID)
	}
}

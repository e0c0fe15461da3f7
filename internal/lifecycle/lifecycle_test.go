package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/domain"
	"github.com/ashureev/agentworkbench/internal/mux"
	"github.com/ashureev/agentworkbench/internal/registry"
)

// fakeAdapter is an in-memory mux.Adapter for exercising the lifecycle
// manager without a real tmux or Docker backend.
type fakeAdapter struct {
	mu       sync.Mutex
	sessions map[string]bool
	sentKeys []string
	failNew  bool
	listErr  error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{sessions: make(map[string]bool)}
}

func (f *fakeAdapter) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeAdapter) NewSession(ctx context.Context, name, cwd, initialCommand string) error {
	if f.failNew {
		return errTest
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeAdapter) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeAdapter) ListSessions(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.sessions {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeAdapter) ListPanes(ctx context.Context, name string) ([]mux.PaneRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[name] {
		return nil, errTest
	}
	return []mux.PaneRef{{Session: name, Pane: name + ":0.0"}}, nil
}

func (f *fakeAdapter) CapturePane(ctx context.Context, ref mux.PaneRef, lines int) (string, error) {
	return "", nil
}

func (f *fakeAdapter) SendKeys(ctx context.Context, ref mux.PaneRef, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentKeys = append(f.sentKeys, text)
	return nil
}

var errTest = errors.New("fake adapter error")

func newTestManager(t *testing.T, mx mux.Adapter, maxSessions int) *Manager {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(filepath.Join(dir, "sessions.json"), filepath.Join(dir, "sessions.db"), bus.New(16))
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return New(reg, mx, maxSessions, "claude --dangerously-skip-permissions")
}

func TestCreateSessionDerivesMuxName(t *testing.T) {
	mx := newFakeAdapter()
	m := newTestManager(t, mx, 10)

	sess, err := m.CreateSession(context.Background(), domain.Draft{Name: "my session!", Mode: domain.ModeStandalone})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.MuxSession != "adj-my-session-" {
		t.Errorf("MuxSession = %q, want %q", sess.MuxSession, "adj-my-session-")
	}
	if sess.Status != domain.StatusIdle {
		t.Errorf("Status = %q, want idle", sess.Status)
	}
}

func TestCreateSessionSwarmAndExternalNaming(t *testing.T) {
	mx := newFakeAdapter()
	m := newTestManager(t, mx, 10)
	ctx := context.Background()

	swarm, err := m.CreateSession(ctx, domain.Draft{Name: "team", Mode: domain.ModeSwarm})
	if err != nil {
		t.Fatalf("CreateSession(swarm) error = %v", err)
	}
	if swarm.MuxSession != "adj-swarm-team" {
		t.Errorf("swarm MuxSession = %q, want adj-swarm-team", swarm.MuxSession)
	}

	ext, err := m.CreateSession(ctx, domain.Draft{Name: "raw-session", Mode: domain.ModeExternal})
	if err != nil {
		t.Fatalf("CreateSession(external) error = %v", err)
	}
	if ext.MuxSession != "raw-session" {
		t.Errorf("external MuxSession = %q, want raw-session", ext.MuxSession)
	}
}

func TestCreateSessionRejectsOverLimit(t *testing.T) {
	mx := newFakeAdapter()
	m := newTestManager(t, mx, 1)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, domain.Draft{Name: "one", Mode: domain.ModeStandalone}); err != nil {
		t.Fatalf("first CreateSession() error = %v", err)
	}
	if _, err := m.CreateSession(ctx, domain.Draft{Name: "two", Mode: domain.ModeStandalone}); err == nil {
		t.Fatal("expected session limit error")
	}
}

func TestCreateSessionRejectsExistingMuxSession(t *testing.T) {
	mx := newFakeAdapter()
	ctx := context.Background()
	mx.sessions["adj-dup"] = true

	m := newTestManager(t, mx, 10)
	_, err := m.CreateSession(ctx, domain.Draft{Name: "dup", Mode: domain.ModeStandalone})
	if err == nil {
		t.Fatal("expected error for already-existing mux session")
	}
}

// noPanesAdapter always reports a session as created but never resolves any
// panes for it, exercising CreateSession's post-spawn cleanup path.
type noPanesAdapter struct {
	*fakeAdapter
}

func (a *noPanesAdapter) ListPanes(ctx context.Context, name string) ([]mux.PaneRef, error) {
	return nil, nil
}

func TestCreateSessionKillsMuxSessionOnFailureAfterSpawn(t *testing.T) {
	mx := &noPanesAdapter{fakeAdapter: newFakeAdapter()}
	m := newTestManager(t, mx, 10)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, domain.Draft{Name: "no-panes", Mode: domain.ModeStandalone})
	if err == nil {
		t.Fatal("expected error when no panes can be resolved")
	}
	if mx.sessions["adj-no-panes"] {
		t.Fatal("expected mux session to be killed after pane resolution failure")
	}
}

func TestKillSessionRemovesRegistryEntry(t *testing.T) {
	mx := newFakeAdapter()
	m := newTestManager(t, mx, 10)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, domain.Draft{Name: "killme", Mode: domain.ModeStandalone})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if ok := m.KillSession(ctx, sess.ID); !ok {
		t.Fatal("expected KillSession to report removal")
	}
	if ok := m.KillSession(ctx, sess.ID); ok {
		t.Fatal("expected second KillSession to report no removal")
	}
}

func TestIsAlive(t *testing.T) {
	mx := newFakeAdapter()
	m := newTestManager(t, mx, 10)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, domain.Draft{Name: "alive", Mode: domain.ModeStandalone})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if !m.IsAlive(ctx, sess.ID) {
		t.Fatal("expected session to be alive right after creation")
	}

	mx.KillSession(ctx, sess.MuxSession)
	if m.IsAlive(ctx, sess.ID) {
		t.Fatal("expected session to be dead after mux session killed externally")
	}
}

func TestDiscoverSessionsSkipsAlreadyRegistered(t *testing.T) {
	mx := newFakeAdapter()
	m := newTestManager(t, mx, 10)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, domain.Draft{Name: "known", Mode: domain.ModeStandalone})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	mx.mu.Lock()
	mx.sessions["adj-unknown"] = true
	mx.mu.Unlock()

	discovered := m.DiscoverSessions(ctx, "")
	for _, id := range discovered {
		if id == sess.ID {
			t.Fatal("discovery should skip already-registered sessions")
		}
	}
	if len(discovered) != 1 {
		t.Fatalf("got %d discovered sessions, want 1", len(discovered))
	}
}

func TestDiscoverSessionsMissingDaemonReturnsEmpty(t *testing.T) {
	mx := newFakeAdapter()
	mx.listErr = errTest
	m := newTestManager(t, mx, 10)

	discovered := m.DiscoverSessions(context.Background(), "")
	if discovered != nil {
		t.Fatalf("expected nil discovery result on daemon error, got %v", discovered)
	}
}

func TestIdleReaperRetiresStaleSessions(t *testing.T) {
	mx := newFakeAdapter()
	m := newTestManager(t, mx, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := m.CreateSession(ctx, domain.Draft{Name: "stale", Mode: domain.ModeStandalone})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	past := time.Now().Add(-time.Hour)
	if _, err := m.reg.Update(ctx, sess.ID, domain.Patch{LastActivity: &past}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	m.sweepIdle(ctx, time.Minute)

	if _, ok := m.reg.Get(sess.ID); ok {
		t.Fatal("expected stale session to be reaped")
	}
}

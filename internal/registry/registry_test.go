package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	regPath := filepath.Join(dir, "sessions.json")
	dbPath := filepath.Join(dir, "sessions-index.db")
	r, err := New(regPath, dbPath, bus.New(16))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, regPath
}

func TestCreateAssignsFreshIDAndIdleStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.Create(ctx, "adj-foo", "%1", domain.Draft{Name: "foo", Mode: domain.ModeStandalone})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if s.Status != domain.StatusIdle {
		t.Errorf("Status = %q, want idle", s.Status)
	}
	if r.Size() != 1 {
		t.Errorf("Size() = %d, want 1", r.Size())
	}
}

func TestCreateRejectsDuplicateMuxSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "adj-foo", "%1", domain.Draft{Name: "foo"}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	_, err := r.Create(ctx, "adj-foo", "%2", domain.Draft{Name: "bar"})
	if err == nil {
		t.Fatal("expected error creating duplicate mux session")
	}
}

func TestPersistWritesSnapshotFile(t *testing.T) {
	r, path := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "adj-foo", "%1", domain.Draft{Name: "foo"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(snap.Sessions) != 1 {
		t.Fatalf("snapshot has %d sessions, want 1", len(snap.Sessions))
	}
}

func TestUpdateAppliesPatchFields(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.Create(ctx, "adj-foo", "%1", domain.Draft{Name: "foo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	newStatus := domain.StatusWorking
	updated, err := r.Update(ctx, s.ID, domain.Patch{Status: &newStatus})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != domain.StatusWorking {
		t.Errorf("Status = %q, want working", updated.Status)
	}
}

func TestUpdateUnknownIDReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Update(context.Background(), "missing", domain.Patch{})
	if err == nil {
		t.Fatal("expected error updating unknown id")
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.Create(ctx, "adj-foo", "%1", domain.Draft{Name: "foo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("expected session to be gone after Delete")
	}
}

func TestFindByMuxName(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := r.Create(ctx, "adj-foo", "%1", domain.Draft{Name: "foo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	found, ok := r.FindByMuxName("adj-foo")
	if !ok {
		t.Fatal("expected to find session by mux name")
	}
	if found.ID != created.ID {
		t.Errorf("found.ID = %q, want %q", found.ID, created.ID)
	}

	if _, ok := r.FindByMuxName("no-such-session"); ok {
		t.Fatal("expected no match for unknown mux session")
	}
}

func TestLoadMarksUnreachableSessionsOffline(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "sessions.json")
	dbPath := filepath.Join(dir, "sessions-index.db")

	r1, err := New(regPath, dbPath, bus.New(16))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if _, err := r1.Create(ctx, "adj-foo", "%1", domain.Draft{Name: "foo"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	r1.Close()

	dbPath2 := filepath.Join(dir, "sessions-index-2.db")
	r2, err := New(regPath, dbPath2, bus.New(16))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r2.Close()

	if err := r2.Load(ctx, func(ctx context.Context, muxSession string) bool { return false }); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	all := r2.GetAll()
	if len(all) != 1 {
		t.Fatalf("got %d sessions after load, want 1", len(all))
	}
	if all[0].Status != domain.StatusOffline {
		t.Errorf("Status = %q, want offline", all[0].Status)
	}
}

// Package registry implements the session registry (C3): an in-memory map
// of live sessions backed by an authoritative JSON snapshot file, with a
// sqlite index kept alongside purely as a queryable convenience cache.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/core/errkind"
	"github.com/ashureev/agentworkbench/internal/domain"
	"github.com/google/uuid"
)

// snapshot is the on-disk JSON document shape.
type snapshot struct {
	Sessions []domain.Session `json:"sessions"`
}

// Registry keys sessions by logical id. Every mutation updates the
// in-memory map, rewrites the JSON snapshot atomically (write-temp, then
// rename), and emits session:updated on the bus. The JSON file is the
// source of truth; the sqlite index exists only to make ad hoc queries
// cheap; Load upserts every snapshot entry into it.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*domain.Session
	path         string
	b            *bus.Bus
	index        *sqliteIndex
}

// New creates a Registry persisting to path, indexing into indexDBPath, and
// emitting mutation events onto b. It does not yet load existing state;
// call Load for that.
func New(path, indexDBPath string, b *bus.Bus) (*Registry, error) {
	idx, err := newSQLiteIndex(indexDBPath)
	if err != nil {
		return nil, err
	}
	return &Registry{
		sessions: make(map[string]*domain.Session),
		path:     path,
		b:        b,
		index:    idx,
	}, nil
}

// Load reads the JSON snapshot file if present. Any entry whose mux
// session is no longer present (per isAliveFn) is marked offline but
// retained — later discovery may re-attach it, or a client may delete it.
func (r *Registry) Load(ctx context.Context, isAliveFn func(ctx context.Context, muxSession string) bool) error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.Wrap(errkind.StoreError, "read registry snapshot", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errkind.Wrap(errkind.StoreError, "parse registry snapshot", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		if isAliveFn != nil && !isAliveFn(ctx, s.MuxSession) {
			s.Status = domain.StatusOffline
		}
		sessCopy := s
		r.sessions[s.ID] = &sessCopy
		if err := r.index.upsert(ctx, &sessCopy); err != nil {
			return err
		}
	}
	return nil
}

// Create registers a new session from a draft. It assigns a fresh id,
// enforces muxSession uniqueness, sets status=idle, and persists+emits on
// success.
func (r *Registry) Create(ctx context.Context, muxSession, muxPane string, draft domain.Draft) (*domain.Session, error) {
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.MuxSession == muxSession {
			r.mu.Unlock()
			return nil, errkind.New(errkind.SessionAlreadyExists, "mux session "+muxSession+" already registered")
		}
	}

	now := time.Now()
	sess := &domain.Session{
		ID:            uuid.NewString(),
		Name:          draft.Name,
		MuxSession:    muxSession,
		MuxPane:       muxPane,
		ProjectPath:   draft.ProjectPath,
		Mode:          draft.Mode,
		WorkspaceType: draft.WorkspaceType,
		Status:        domain.StatusIdle,
		CreatedAt:     now,
		LastActivity:  now,
	}
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	_ = r.index.upsert(ctx, sess)
	r.b.Emit(domain.EventSessionUpdated, map[string]any{"id": sess.ID, "fields": []string{"*"}})
	return sess, nil
}

// Update applies a patch to a session by id, persisting and emitting on
// success.
func (r *Registry) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, errkind.New(errkind.NotFound, "session "+id+" not found")
	}

	var fields []string
	if patch.MuxPane != nil {
		sess.MuxPane = *patch.MuxPane
		fields = append(fields, "muxPane")
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
		fields = append(fields, "status")
	}
	if patch.PipeActive != nil {
		sess.PipeActive = *patch.PipeActive
		fields = append(fields, "pipeActive")
	}
	if patch.LastActivity != nil {
		sess.LastActivity = *patch.LastActivity
		fields = append(fields, "lastActivity")
	}
	if patch.ConnectedClients != nil {
		sess.ConnectedClients = patch.ConnectedClients
		fields = append(fields, "connectedClients")
	}
	snapCopy := *sess
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	_ = r.index.upsert(ctx, &snapCopy)
	r.b.Emit(domain.EventSessionUpdated, map[string]any{"id": id, "fields": fields})
	return &snapCopy, nil
}

// Delete removes a session by id, persisting and emitting on success.
// Deleting an unknown id is a no-op.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return err
	}
	_ = r.index.remove(ctx, id)
	r.b.Emit(domain.EventSessionUpdated, map[string]any{"id": id, "fields": []string{"deleted"}})
	return nil
}

// Get returns a copy of the session with this id, or ok=false.
func (r *Registry) Get(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// FindByName returns every session with this exact name.
func (r *Registry) FindByName(name string) []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if s.Name == name {
			out = append(out, *s)
		}
	}
	return out
}

// FindByMuxName returns the session bound to this mux session name, if any.
func (r *Registry) FindByMuxName(muxSession string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.MuxSession == muxSession {
			return *s, true
		}
	}
	return domain.Session{}, false
}

// GetAll returns a copy of every registered session.
func (r *Registry) GetAll() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Size returns the number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close releases the sqlite index handle.
func (r *Registry) Close() error {
	return r.index.close()
}

// persist rewrites the JSON snapshot file atomically: write to a temp file
// in the same directory, then rename over the target.
func (r *Registry) persist(_ context.Context) error {
	r.mu.RLock()
	snap := snapshot{Sessions: make([]domain.Session, 0, len(r.sessions))}
	for _, s := range r.sessions {
		snap.Sessions = append(snap.Sessions, *s)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.StoreError, "marshal registry snapshot", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errkind.Wrap(errkind.StoreError, "create registry directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return errkind.Wrap(errkind.StoreError, "create registry temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errkind.Wrap(errkind.StoreError, "write registry temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return errkind.Wrap(errkind.StoreError, "close registry temp file", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return errkind.Wrap(errkind.StoreError, fmt.Sprintf("rename %s to %s", tmpPath, r.path), err)
	}
	return nil
}

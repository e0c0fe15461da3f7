package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentworkbench/internal/domain"
	_ "modernc.org/sqlite"
)

// sqliteIndex mirrors registered sessions into sqlite so operators can run
// ad hoc queries (by project path, by status, by age) without parsing the
// JSON snapshot. Load upserts every snapshot entry into it; rows are never
// read back by the registry, and the index is never treated as
// authoritative.
type sqliteIndex struct {
	db *sql.DB
}

func newSQLiteIndex(dbPath string) (*sqliteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping session index: %w", err)
	}

	idx := &sqliteIndex{db: db}
	if err := idx.initSchema(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *sqliteIndex) initSchema() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mux_session TEXT NOT NULL,
		mux_pane TEXT NOT NULL,
		project_path TEXT NOT NULL,
		mode TEXT NOT NULL,
		workspace_type TEXT NOT NULL,
		status TEXT NOT NULL,
		pipe_active INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path);
	`
	if _, err := i.db.Exec(ddl); err != nil {
		return fmt.Errorf("create session index schema: %w", err)
	}
	return nil
}

func (i *sqliteIndex) upsert(ctx context.Context, s *domain.Session) error {
	const q = `
	INSERT INTO sessions (id, name, mux_session, mux_pane, project_path, mode, workspace_type, status, pipe_active, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		mux_session = excluded.mux_session,
		mux_pane = excluded.mux_pane,
		project_path = excluded.project_path,
		mode = excluded.mode,
		workspace_type = excluded.workspace_type,
		status = excluded.status,
		pipe_active = excluded.pipe_active,
		last_activity = excluded.last_activity`

	pipeActive := 0
	if s.PipeActive {
		pipeActive = 1
	}
	_, err := i.db.ExecContext(ctx, q,
		s.ID, s.Name, s.MuxSession, s.MuxPane, s.ProjectPath,
		string(s.Mode), string(s.WorkspaceType), string(s.Status), pipeActive,
		s.CreatedAt.Unix(), s.LastActivity.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session index row: %w", err)
	}
	return nil
}

func (i *sqliteIndex) remove(ctx context.Context, id string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove session index row: %w", err)
	}
	return nil
}

// FindIdleSince returns session ids indexed as idle with last_activity older
// than the given time. Nothing in the repository calls it; the lifecycle
// reaper scans the registry's in-memory sessions instead.
func (i *sqliteIndex) FindIdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT id FROM sessions WHERE status = ? AND last_activity < ?`, string(domain.StatusIdle), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (i *sqliteIndex) close() error {
	return i.db.Close()
}

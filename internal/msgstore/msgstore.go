// Package msgstore implements the durable message store (C8): a
// sqlite-backed chat log with monotonic delivery-state transitions,
// thread aggregation, and unread counters.
package msgstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentworkbench/internal/core/errkind"
	"github.com/ashureev/agentworkbench/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Filters narrows getMessages/searchMessages results.
type Filters struct {
	AgentID  string
	ThreadID string
	Role     domain.MessageRole
	Limit    int
	Before   *time.Time
	After    *time.Time
}

// Store is a sqlite-backed message log. Writes are serialized through
// writeMu so mutations are single-writer even though the driver's
// connection pool allows concurrent readers in WAL mode.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open creates or opens the sqlite database at dbPath and ensures schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errkind.Wrap(errkind.StoreError, "create message store directory", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreError, "open message store", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errkind.Wrap(errkind.StoreError, "ping message store", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		agent_id TEXT,
		recipient TEXT,
		role TEXT NOT NULL,
		body TEXT NOT NULL,
		metadata TEXT,
		delivery_status TEXT NOT NULL,
		event_type TEXT,
		thread_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(delivery_status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errkind.Wrap(errkind.StoreError, "create message store schema", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errkind.Wrap(errkind.StoreError, "close message store", err)
	}
	return nil
}

// Ping verifies the database connection is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertMessage stores a new message, generating an id if input.ID is
// empty and defaulting deliveryStatus to "delivered". Insertion never
// overwrites an existing id: calling InsertMessage again with the same id
// returns the row already on disk, unchanged.
func (s *Store) InsertMessage(ctx context.Context, input domain.Message) (domain.Message, error) {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.DeliveryStatus == "" {
		input.DeliveryStatus = domain.DeliveryDelivered
	}
	now := time.Now()
	if input.CreatedAt.IsZero() {
		input.CreatedAt = now
	}
	input.UpdatedAt = input.CreatedAt

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const insert = `
	INSERT OR IGNORE INTO messages (
		id, session_id, agent_id, recipient, role, body, metadata,
		delivery_status, event_type, thread_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := withWriteRetry(func() error {
		_, err := s.db.ExecContext(ctx, insert,
			input.ID, nullable(input.SessionID), nullable(input.AgentID), nullable(input.Recipient),
			string(input.Role), input.Body, nullable(input.Metadata),
			string(input.DeliveryStatus), nullable(input.EventType), nullable(input.ThreadID),
			input.CreatedAt.Unix(), input.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return domain.Message{}, errkind.Wrap(errkind.StoreError, "insert message", err)
	}

	stored, ok, err := s.getMessageLocked(ctx, input.ID)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, errkind.New(errkind.StoreError, "message not found immediately after insert")
	}
	return stored, nil
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	return s.getMessageLocked(ctx, id)
}

func (s *Store) getMessageLocked(ctx context.Context, id string) (domain.Message, bool, error) {
	const query = `
	SELECT id, session_id, agent_id, recipient, role, body, metadata,
	       delivery_status, event_type, thread_id, created_at, updated_at
	FROM messages WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, errkind.Wrap(errkind.StoreError, "scan message", err)
	}
	return msg, true, nil
}

// GetMessages returns messages matching filters, newest first
// (descending createdAt then id), honoring Limit (default 100, capped
// 1000).
func (s *Store) GetMessages(ctx context.Context, f Filters) ([]domain.Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(f.Role))
	}
	if f.Before != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.Before.Unix())
	}
	if f.After != nil {
		where = append(where, "created_at > ?")
		args = append(args, f.After.Unix())
	}

	query := "SELECT id, session_id, agent_id, recipient, role, body, metadata, delivery_status, event_type, thread_id, created_at, updated_at FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return s.queryMessages(ctx, query, args...)
}

// SearchMessages returns messages whose body contains query (case
// insensitive), newest first, further narrowed by filters.
func (s *Store) SearchMessages(ctx context.Context, query string, f Filters) ([]domain.Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	where := []string{"body LIKE ? ESCAPE '\\'"}
	args := []any{"%" + escapeLike(query) + "%"}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}

	sqlQuery := "SELECT id, session_id, agent_id, recipient, role, body, metadata, delivery_status, event_type, thread_id, created_at, updated_at FROM messages WHERE " +
		strings.Join(where, " AND ") + " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return s.queryMessages(ctx, sqlQuery, args...)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreError, "query messages", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.StoreError, "scan message row", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StoreError, "iterate messages", err)
	}
	return out, nil
}

// MarkRead transitions a single message to "read". pending and delivered
// both move forward to read; a message already read is left untouched
// (never demoted).
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const update = `
	UPDATE messages SET delivery_status = ?, updated_at = ?
	WHERE id = ? AND delivery_status IN (?, ?)`

	err := withWriteRetry(func() error {
		_, err := s.db.ExecContext(ctx, update,
			string(domain.DeliveryRead), time.Now().Unix(), id,
			string(domain.DeliveryPending), string(domain.DeliveryDelivered),
		)
		return err
	})
	if err != nil {
		return errkind.Wrap(errkind.StoreError, "mark message read", err)
	}
	return nil
}

// MarkAllRead transitions every pending/delivered message matching the
// given agent/session filter to read.
func (s *Store) MarkAllRead(ctx context.Context, agentID, sessionID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := "UPDATE messages SET delivery_status = ?, updated_at = ? WHERE delivery_status IN (?, ?)"
	args := []any{string(domain.DeliveryRead), time.Now().Unix(), string(domain.DeliveryPending), string(domain.DeliveryDelivered)}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}

	var result sql.Result
	err := withWriteRetry(func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return 0, errkind.Wrap(errkind.StoreError, "mark all read", err)
	}
	return result.RowsAffected()
}

// GetUnreadCounts returns the count of not-yet-read messages per agent.
func (s *Store) GetUnreadCounts(ctx context.Context) ([]domain.UnreadCount, error) {
	const query = `
	SELECT agent_id, COUNT(*) FROM messages
	WHERE delivery_status != ? AND agent_id IS NOT NULL AND agent_id != ''
	GROUP BY agent_id`

	rows, err := s.db.QueryContext(ctx, query, string(domain.DeliveryRead))
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreError, "query unread counts", err)
	}
	defer rows.Close()

	var out []domain.UnreadCount
	for rows.Next() {
		var uc domain.UnreadCount
		if err := rows.Scan(&uc.AgentID, &uc.Count); err != nil {
			return nil, errkind.Wrap(errkind.StoreError, "scan unread count", err)
		}
		out = append(out, uc)
	}
	return out, rows.Err()
}

// GetThreads aggregates messages by threadId, optionally filtered to
// threads an agent participates in.
func (s *Store) GetThreads(ctx context.Context, agentID string) ([]domain.ThreadSummary, error) {
	query := `
	SELECT thread_id, COUNT(*), MAX(created_at)
	FROM messages
	WHERE thread_id IS NOT NULL AND thread_id != ''`
	var args []any
	if agentID != "" {
		query += ` AND thread_id IN (SELECT thread_id FROM messages WHERE agent_id = ? OR recipient = ?)`
		args = append(args, agentID, agentID)
	}
	query += ` GROUP BY thread_id ORDER BY MAX(created_at) DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreError, "query threads", err)
	}
	defer rows.Close()

	var out []domain.ThreadSummary
	for rows.Next() {
		var ts domain.ThreadSummary
		var lastMessageAt int64
		if err := rows.Scan(&ts.ThreadID, &ts.MessageCount, &lastMessageAt); err != nil {
			return nil, errkind.Wrap(errkind.StoreError, "scan thread", err)
		}
		ts.LastMessageAt = time.Unix(lastMessageAt, 0)
		participants, err := s.threadParticipants(ctx, ts.ThreadID)
		if err != nil {
			return nil, err
		}
		ts.Participants = participants
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *Store) threadParticipants(ctx context.Context, threadID string) ([]string, error) {
	const query = `
	SELECT DISTINCT agent_id FROM messages WHERE thread_id = ? AND agent_id IS NOT NULL AND agent_id != ''
	UNION
	SELECT DISTINCT recipient FROM messages WHERE thread_id = ? AND recipient IS NOT NULL AND recipient != ''`

	rows, err := s.db.QueryContext(ctx, query, threadID, threadID)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreError, "query thread participants", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errkind.Wrap(errkind.StoreError, "scan thread participant", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (domain.Message, error) {
	var msg domain.Message
	var sessionID, agentID, recipient, metadata, eventType, threadID sql.NullString
	var role, deliveryStatus string
	var createdAt, updatedAt int64

	err := row.Scan(
		&msg.ID, &sessionID, &agentID, &recipient, &role, &msg.Body, &metadata,
		&deliveryStatus, &eventType, &threadID, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Message{}, err
	}

	msg.SessionID = sessionID.String
	msg.AgentID = agentID.String
	msg.Recipient = recipient.String
	msg.Role = domain.MessageRole(role)
	msg.Metadata = metadata.String
	msg.DeliveryStatus = domain.DeliveryStatus(deliveryStatus)
	msg.EventType = eventType.String
	msg.ThreadID = threadID.String
	msg.CreatedAt = time.Unix(createdAt, 0)
	msg.UpdatedAt = time.Unix(updatedAt, 0)
	return msg, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

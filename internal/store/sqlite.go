// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/finclaw/internal/types"
)

// ErrNoActiveThread is returned by ActiveThreadByProject when the project has
// no resumable conversation. Callers treat it as the normal start-fresh branch.
var ErrNoActiveThread = errors.New("no active thread for project")

// SQLite is the SQLite-backed thread store and message log. A single write
// mutex serializes appends so that sequence assignment and insertion stay
// atomic per thread even under WAL.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or opens) the database at path and bootstraps the schema.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLite{db: db}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) bootstrap() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			last_active_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(thread_id, seq)
		)`,
	}
	for _, q := range schemas {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_threads_project ON threads(project_id, status, last_active_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq)",
	}
	for _, q := range indexes {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("bootstrap index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateThread inserts a new active thread for the project.
func (s *SQLite) CreateThread(ctx context.Context, projectID types.ProjectID, title string) (*types.Thread, error) {
	now := time.Now().UTC()
	t := &types.Thread{
		ID:           types.NewThreadID(),
		ProjectID:    projectID,
		Title:        title,
		Status:       types.ThreadStatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, title, status, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(projectID), title, t.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

// ActiveThreadByProject returns the most-recently-active thread with status
// "active", or ErrNoActiveThread.
func (s *SQLite) ActiveThreadByProject(ctx context.Context, projectID types.ProjectID) (*types.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, status, created_at, last_active_at
		 FROM threads WHERE project_id = ? AND status = ?
		 ORDER BY last_active_at DESC LIMIT 1`,
		string(projectID), types.ThreadStatusActive,
	)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveThread
	}
	return t, err
}

// ThreadsByProject returns all threads for a project, newest activity first.
func (s *SQLite) ThreadsByProject(ctx context.Context, projectID types.ProjectID) ([]*types.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, status, created_at, last_active_at
		 FROM threads WHERE project_id = ? ORDER BY last_active_at DESC`,
		string(projectID),
	)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []*types.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// ArchiveThread marks the thread archived. Archived threads keep their
// messages but are no longer resumable.
func (s *SQLite) ArchiveThread(ctx context.Context, id types.ThreadID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ? WHERE id = ?`,
		types.ThreadStatusArchived, string(id),
	)
	if err != nil {
		return fmt.Errorf("archive thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("thread not found: %s", id)
	}
	return nil
}

// CreateMessage appends a message with seq = max(existing)+1 and refreshes the
// thread's last-activity time, all in one transaction.
func (s *SQLite) CreateMessage(ctx context.Context, threadID types.ThreadID, msgType, content string, meta *types.MessageMetadata) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?`,
		string(threadID),
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC()
	msg := &types.Message{
		ID:        types.NewMessageID(),
		ThreadID:  threadID,
		Seq:       seq,
		Type:      msgType,
		Content:   content,
		Metadata:  meta,
		CreatedAt: now,
	}

	var metaJSON any
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(data)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, seq, type, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(threadID), seq, msgType, content, metaJSON,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE threads SET last_active_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), string(threadID),
	)
	if err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("thread not found: %s", threadID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// MessagesByThread returns the full message log for a thread in seq order.
func (s *SQLite) MessagesByThread(ctx context.Context, threadID types.ThreadID) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, seq, type, content, metadata, created_at
		 FROM messages WHERE thread_id = ? ORDER BY seq`,
		string(threadID),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var (
			msg      types.Message
			id, tid  string
			metaText sql.NullString
			created  string
		)
		if err := rows.Scan(&id, &tid, &msg.Seq, &msg.Type, &msg.Content, &metaText, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = types.MessageID(id)
		msg.ThreadID = types.ThreadID(tid)
		if metaText.Valid && metaText.String != "" {
			var meta types.MessageMetadata
			if err := json.Unmarshal([]byte(metaText.String), &meta); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
			msg.Metadata = &meta
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse message time: %w", err)
		}
		msg.CreatedAt = ts
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of logged messages in a thread.
func (s *SQLite) CountMessages(ctx context.Context, threadID types.ThreadID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, string(threadID),
	).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*types.Thread, error) {
	var (
		t            types.Thread
		id, project  string
		created, act string
	)
	if err := row.Scan(&id, &project, &t.Title, &t.Status, &created, &act); err != nil {
		return nil, err
	}
	t.ID = types.ThreadID(id)
	t.ProjectID = types.ProjectID(project)

	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse thread created_at: %w", err)
	}
	lastActive, err := time.Parse(time.RFC3339Nano, act)
	if err != nil {
		return nil, fmt.Errorf("parse thread last_active_at: %w", err)
	}
	t.CreatedAt = createdAt
	t.LastActiveAt = lastActive
	return &t, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) hookpilot.db inside dataPath.
func NewSQLiteStore(dataPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "hookpilot.db")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			conversation_id TEXT,
			external_id TEXT,
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			metadata TEXT,
			prompt TEXT,
			result TEXT,
			error TEXT,
			cost_usd REAL DEFAULT 0,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL UNIQUE,
			external_id TEXT,
			title TEXT,
			initiated_task_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			task_id TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_flow ON tasks(flow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mapSQLiteError translates driver constraint errors into ErrConflict.
func mapSQLiteError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, flow_id, conversation_id, external_id, status, source, metadata, prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.FlowID, nullString(t.ConversationID), nullString(t.ExternalID), string(t.Status), t.Source, meta, t.Prompt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", mapSQLiteError(err))
	}
	return nil
}

const taskColumns = `id, flow_id, COALESCE(conversation_id, ''), COALESCE(external_id, ''), status, source,
	COALESCE(metadata, ''), COALESCE(prompt, ''), COALESCE(result, ''), COALESCE(error, ''),
	COALESCE(cost_usd, 0), COALESCE(input_tokens, 0), COALESCE(output_tokens, 0),
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*Task, error) {
	var t Task
	var status, meta string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.FlowID, &t.ConversationID, &t.ExternalID, &status, &t.Source,
		&meta, &t.Prompt, &t.Result, &t.Error, &t.CostUSD, &t.InputTokens, &t.OutputTokens,
		&t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = TaskStatus(status)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if err := decodeMetadata([]byte(meta), &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanSQLiteTask(row)
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'queued'
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark task running: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) FinishTask(ctx context.Context, id string, r TaskResult) error {
	return s.execOne(ctx, `
		UPDATE tasks SET
			status = CASE WHEN status = 'cancelled' THEN status ELSE ? END,
			result = ?, error = ?, cost_usd = ?, input_tokens = ?, output_tokens = ?,
			completed_at = ?
		WHERE id = ?
	`, string(r.Status), r.Result, nullString(r.Error), r.CostUSD, r.InputTokens, r.OutputTokens, time.Now().UTC(), id)
}

func (s *SQLiteStore) CancelTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetTaskStatus(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetTaskStatus(ctx context.Context, id string) (TaskStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return TaskStatus(status), nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND started_at < ?
		ORDER BY started_at ASC
	`, startedBefore.UTC())
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetConversationByFlow(ctx context.Context, flowID string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, COALESCE(external_id, ''), COALESCE(title, ''), COALESCE(initiated_task_id, ''), created_at
		FROM conversations WHERE flow_id = ?
	`, flowID).Scan(&c.ID, &c.FlowID, &c.ExternalID, &c.Title, &c.InitiatedTaskID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, flow_id, external_id, title, initiated_task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.FlowID, nullString(c.ExternalID), c.Title, c.InitiatedTaskID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, role, content, task_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ConversationID, string(m.Role), m.Content, nullString(m.TaskID), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(task_id, ''), created_at
		FROM conversation_messages WHERE conversation_id = ?
		ORDER BY id DESC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TaskID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

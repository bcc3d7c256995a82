package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool without migrating.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			conversation_id TEXT,
			external_id TEXT,
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			metadata JSONB,
			prompt TEXT,
			result TEXT,
			error TEXT,
			cost_usd DOUBLE PRECISION DEFAULT 0,
			input_tokens BIGINT DEFAULT 0,
			output_tokens BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL UNIQUE,
			external_id TEXT,
			title TEXT,
			initiated_task_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			task_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_flow ON tasks(flow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id, id)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, flow_id, conversation_id, external_id, status, source, metadata, prompt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, t.ID, t.FlowID, optional(t.ConversationID), optional(t.ExternalID), string(t.Status), t.Source, meta, t.Prompt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", mapPgError(err))
	}
	return nil
}

const pgTaskColumns = `id, flow_id, COALESCE(conversation_id, ''), COALESCE(external_id, ''), status, source,
	COALESCE(metadata::text, ''), COALESCE(prompt, ''), COALESCE(result, ''), COALESCE(error, ''),
	COALESCE(cost_usd, 0), COALESCE(input_tokens, 0), COALESCE(output_tokens, 0),
	created_at, started_at, completed_at`

func scanPgTask(row pgx.Row) (*Task, error) {
	var t Task
	var status, meta string
	err := row.Scan(&t.ID, &t.FlowID, &t.ConversationID, &t.ExternalID, &status, &t.Source,
		&meta, &t.Prompt, &t.Result, &t.Error, &t.CostUSD, &t.InputTokens, &t.OutputTokens,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = TaskStatus(status)
	if err := decodeMetadata([]byte(meta), &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanPgTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id))
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'queued'
	`, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark task running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, id string, r TaskResult) error {
	return s.execOne(ctx, `
		UPDATE tasks SET
			status = CASE WHEN status = 'cancelled' THEN status ELSE $2 END,
			result = $3, error = $4, cost_usd = $5, input_tokens = $6, output_tokens = $7,
			completed_at = $8
		WHERE id = $1
	`, id, string(r.Status), r.Result, optional(r.Error), r.CostUSD, r.InputTokens, r.OutputTokens, time.Now().UTC())
}

func (s *PostgresStore) CancelTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTaskStatus(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) GetTaskStatus(ctx context.Context, id string) (TaskStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return TaskStatus(status), nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+pgTaskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+pgTaskColumns+` FROM tasks
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at ASC
	`, startedBefore)
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetConversationByFlow(ctx context.Context, flowID string) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, flow_id, COALESCE(external_id, ''), COALESCE(title, ''), COALESCE(initiated_task_id, ''), created_at
		FROM conversations WHERE flow_id = $1
	`, flowID).Scan(&c.ID, &c.FlowID, &c.ExternalID, &c.Title, &c.InitiatedTaskID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, flow_id, external_id, title, initiated_task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.FlowID, optional(c.ExternalID), c.Title, c.InitiatedTaskID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversation_messages (conversation_id, role, content, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, m.ConversationID, string(m.Role), m.Content, optional(m.TaskID), m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(task_id, ''), created_at
		FROM conversation_messages WHERE conversation_id = $1
		ORDER BY id DESC LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

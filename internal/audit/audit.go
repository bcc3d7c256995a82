// Package audit keeps an append-only log of every inbound webhook and what
// the gateway did with it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when the provider already delivered event_id.
var ErrDuplicate = errors.New("duplicate webhook event")

// WebhookEvent is one inbound delivery. Rows are append-only, except that an
// approval decision is claimed first and then resolved or released.
type WebhookEvent struct {
	ID               string
	EventID          string // provider delivery id, may be empty
	Provider         string
	EventType        string
	Payload          json.RawMessage
	Command          string
	TaskID           string
	ResponseSent     bool
	SuppressedReason string
	CreatedAt        time.Time
}

// Log is the audit table in its own SQLite file.
type Log struct {
	db *sql.DB
}

// Open opens (and migrates) audit.db inside dataPath.
func Open(dataPath string) (*Log, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataPath, "audit.db")+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			event_id TEXT,
			provider TEXT NOT NULL,
			event_type TEXT,
			payload TEXT,
			command TEXT,
			task_id TEXT,
			response_sent INTEGER NOT NULL DEFAULT 0,
			suppressed_reason TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_events_delivery ON webhook_events(provider, event_id) WHERE event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_task ON webhook_events(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_created ON webhook_events(created_at)`,
	}
	for _, m := range migrations {
		if _, err := l.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends ev, filling ID and CreatedAt when unset. A repeated
// (provider, event_id) pair yields ErrDuplicate.
func (l *Log) Record(ctx context.Context, ev *WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, event_id, provider, event_type, payload, command, task_id, response_sent, suppressed_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, nullable(ev.EventID), ev.Provider, ev.EventType, string(ev.Payload), ev.Command,
		nullable(ev.TaskID), ev.ResponseSent, nullable(ev.SuppressedReason), ev.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, ev.Provider, ev.EventID)
		}
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// Seen reports whether provider already delivered eventID.
func (l *Log) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE provider = ? AND event_id = ?`, provider, eventID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Resolve links the claimed event (provider, eventID) to the task it created.
func (l *Log) Resolve(ctx context.Context, provider, eventID, taskID string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE webhook_events SET task_id = ?, response_sent = 1 WHERE provider = ? AND event_id = ?`,
		nullable(taskID), provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to resolve webhook event: %w", err)
	}
	return nil
}

// Release deletes the claimed event (provider, eventID) so it can be
// processed again.
func (l *Log) Release(ctx context.Context, provider, eventID string) error {
	if eventID == "" {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE provider = ? AND event_id = ?`, provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to release webhook event: %w", err)
	}
	return nil
}

// Recent returns the newest limit events.
func (l *Log) Recent(ctx context.Context, limit int) ([]*WebhookEvent, error) {
	return l.query(ctx, `SELECT `+columns+` FROM webhook_events ORDER BY created_at DESC LIMIT ?`, limit)
}

// ForTask returns the events that created or referenced taskID.
func (l *Log) ForTask(ctx context.Context, taskID string) ([]*WebhookEvent, error) {
	return l.query(ctx, `SELECT `+columns+` FROM webhook_events WHERE task_id = ? ORDER BY created_at ASC`, taskID)
}

// Prune deletes events older than before and returns the count removed.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return res.RowsAffected()
}

const columns = `id, COALESCE(event_id, ''), provider, COALESCE(event_type, ''), COALESCE(payload, ''),
	COALESCE(command, ''), COALESCE(task_id, ''), response_sent, COALESCE(suppressed_reason, ''), created_at`

func (l *Log) query(ctx context.Context, q string, args ...any) ([]*WebhookEvent, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		var payload string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Provider, &ev.EventType, &payload,
			&ev.Command, &ev.TaskID, &ev.ResponseSent, &ev.SuppressedReason, &created); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(0, created).UTC()
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

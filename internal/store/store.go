// Package store persists tasks, conversations and conversation messages.
// Two backends share one interface: SQLite for single-host installs and
// Postgres when several gateway or worker processes share state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alekspetrov/hookpilot/internal/payload"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("unique constraint violation")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task sources.
const (
	SourceWebhook   = "webhook"
	SourceDashboard = "dashboard"
	SourceApproval  = "approval"
)

// Metadata is the per-task context the worker and the completion dispatcher
// read back. It is stored as JSON.
type Metadata struct {
	WebhookSource     payload.Provider `json:"webhook_source,omitempty"`
	EventType         string           `json:"event_type,omitempty"`
	Command           string           `json:"command,omitempty"`
	Payload           json.RawMessage  `json:"payload,omitempty"`
	Routing           payload.Routing  `json:"routing"`
	CompletionHandler string           `json:"completion_handler,omitempty"`
	RequiresApproval  bool             `json:"requires_approval,omitempty"`
	ParentTaskID      string           `json:"parent_task_id,omitempty"`
	Actor             string           `json:"actor,omitempty"`
}

// Task is one execution of the agent CLI.
type Task struct {
	ID             string
	FlowID         string
	ConversationID string
	ExternalID     string
	Status         TaskStatus
	Source         string
	Metadata       Metadata
	Prompt         string
	Result         string
	Error          string
	CostUSD        float64
	InputTokens    int64
	OutputTokens   int64
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// TaskResult is what the worker records when a run ends.
type TaskResult struct {
	Status       TaskStatus
	Result       string
	Error        string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// Conversation groups every task and message for one external object.
type Conversation struct {
	ID              string
	FlowID          string
	ExternalID      string
	Title           string
	InitiatedTaskID string
	CreatedAt       time.Time
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	ID             int64
	ConversationID string
	Role           Role
	Content        string
	TaskID         string
	CreatedAt      time.Time
}

// Store is implemented by SQLiteStore and PostgresStore.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// MarkRunning moves a queued task to running. It returns false when the
	// task is no longer queued, e.g. because it was cancelled.
	MarkRunning(ctx context.Context, id string) (bool, error)
	// FinishTask records a run's outcome. A task cancelled meanwhile keeps its
	// cancelled status but still gets the result fields.
	FinishTask(ctx context.Context, id string, res TaskResult) error
	// CancelTask moves a queued or running task to cancelled. It returns false
	// when the task had already finished.
	CancelTask(ctx context.Context, id string) (bool, error)
	GetTaskStatus(ctx context.Context, id string) (TaskStatus, error)
	ListTasks(ctx context.Context, limit int) ([]*Task, error)
	ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]*Task, error)

	GetConversationByFlow(ctx context.Context, flowID string) (*Conversation, error)
	// CreateConversation returns ErrConflict when a conversation for the same
	// flow or id already exists.
	CreateConversation(ctx context.Context, conv *Conversation) error
	AppendMessage(ctx context.Context, msg *Message) error
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`   // sqlite data directory
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// DefaultConfig returns a SQLite store under ./data.
func DefaultConfig() *Config {
	return &Config{Driver: "sqlite", Path: "data"}
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.Path)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func encodeMetadata(m Metadata) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode task metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(data []byte, m *Metadata) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to decode task metadata: %w", err)
	}
	return nil
}

func reverse(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

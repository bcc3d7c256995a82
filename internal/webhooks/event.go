package webhooks

import (
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/hookpilot/internal/payload"
)

// Event is one delivery body.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// TaskData is the payload of every task lifecycle event.
type TaskData struct {
	TaskID         string          `json:"task_id"`
	FlowID         string          `json:"flow_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ExternalID     string          `json:"external_id,omitempty"`
	Source         string          `json:"source"`
	Command        string          `json:"command,omitempty"`
	Routing        payload.Routing `json:"routing"`
	Status         string          `json:"status"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
	CostUSD        float64         `json:"cost_usd,omitempty"`
	InputTokens    int64           `json:"input_tokens,omitempty"`
	OutputTokens   int64           `json:"output_tokens,omitempty"`
	Posted         bool            `json:"posted"`
	Summary        string          `json:"summary,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// NewEvent creates an Event with a random id and the current time.
func NewEvent(eventType EventType, data any) *Event {
	return &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

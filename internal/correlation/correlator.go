package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/store"
)

// MaxTitleLength bounds conversation titles, in runes.
const MaxTitleLength = 100

// Correlator resolves conversations and records their messages.
type Correlator struct {
	store store.Store
	log   *slog.Logger
}

// New creates a correlator on top of s.
func New(s store.Store) *Correlator {
	return &Correlator{store: s, log: logging.WithComponent("correlation")}
}

// TitleInput is what a conversation title is built from.
type TitleInput struct {
	Object  string // "acme/api#12", "PROJ-7"
	Command string
	Text    string
}

// GetOrCreateConversation returns the conversation for flowID, creating it on
// first use. When a concurrent creator wins the insert, the winner's row is
// returned. When the conversation id is already held by another flow, the
// next id candidate is tried.
func (c *Correlator) GetOrCreateConversation(ctx context.Context, flowID, externalID string, task *store.Task, title TitleInput) (*store.Conversation, error) {
	existing, err := c.store.GetConversationByFlow(ctx, flowID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup conversation for %s: %w", flowID, err)
	}

	conv := &store.Conversation{
		FlowID:          flowID,
		ExternalID:      externalID,
		Title:           BuildTitle(title),
		InitiatedTaskID: task.ID,
	}
	for _, id := range conversationIDCandidates(externalID) {
		conv.ID = id
		err = c.store.CreateConversation(ctx, conv)
		if err == nil {
			c.log.Info("Conversation created",
				slog.String("conversation_id", conv.ID),
				slog.String("flow_id", flowID),
				slog.String("task_id", task.ID),
			)
			return conv, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}

		winner, err := c.store.GetConversationByFlow(ctx, flowID)
		if err == nil {
			c.log.Debug("Conversation insert lost a race, using winner", slog.String("flow_id", flowID))
			return winner, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("re-read conversation for %s after conflict: %w", flowID, err)
		}
		c.log.Warn("Conversation id held by another flow",
			slog.String("conversation_id", id),
			slog.String("flow_id", flowID),
		)
	}
	return nil, fmt.Errorf("create conversation for %s: %w", flowID, store.ErrConflict)
}

// AppendMessage adds one turn to a conversation.
func (c *Correlator) AppendMessage(ctx context.Context, conversationID string, role store.Role, content, taskID string) error {
	return c.store.AppendMessage(ctx, &store.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TaskID:         taskID,
	})
}

// History returns the last n messages, newest last.
func (c *Correlator) History(ctx context.Context, conversationID string, n int) ([]*store.Message, error) {
	if n <= 0 || conversationID == "" {
		return nil, nil
	}
	return c.store.RecentMessages(ctx, conversationID, n)
}

// BuildTitle renders "<object> · <command>: <snippet>" and caps it at
// MaxTitleLength runes.
func BuildTitle(in TitleInput) string {
	var b strings.Builder
	if in.Object != "" {
		b.WriteString(in.Object)
	}
	if in.Command != "" {
		if b.Len() > 0 {
			b.WriteString(" · ")
		}
		b.WriteString(in.Command)
	}
	if snippet := strings.Join(strings.Fields(in.Text), " "); snippet != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(snippet)
	}
	title := b.String()
	if title == "" {
		title = "Untitled conversation"
	}
	if utf8.RuneCountInString(title) <= MaxTitleLength {
		return title
	}
	runes := []rune(title)
	return string(runes[:MaxTitleLength-1]) + "…"
}

// FormatHistory renders prior turns for inclusion in the next prompt.
func FormatHistory(msgs []*store.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	return b.String()
}

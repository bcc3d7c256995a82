package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/audit"
	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/payload"
)

// actionEventType is the audit event type of approval button clicks.
const actionEventType = "block_actions"

// handleSlackActions handles clicks on the Approve, Review and Reject buttons
// of a completion message. The first decision on a task wins; later clicks
// are acknowledged and dropped.
func (s *Server) handleSlackActions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, payload.Slack)
	if !ok {
		return
	}
	if !slack.VerifySignature(s.deps.Secrets.Slack, r.Header.Get(slack.HeaderTimestamp), body, r.Header.Get(slack.HeaderSignature), s.now()) {
		s.unauthorized(w, payload.Slack)
		return
	}

	actions, err := slack.ParseInteraction(body)
	if errors.Is(err, slack.ErrNotBlockActions) {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		s.invalid(w, payload.Slack, err)
		return
	}
	if s.deps.Signer == nil {
		s.log.Warn("Approval click received but no approval signing key is configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, a := range actions {
		switch a.ActionID {
		case dispatch.ActionIDApprove, dispatch.ActionIDReview, dispatch.ActionIDReject:
			s.handleApproval(r.Context(), a)
		default:
			s.log.Debug("Ignoring unknown action", slog.String("action_id", a.ActionID))
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleApproval(ctx context.Context, a slack.InteractionAction) {
	approval, err := s.deps.Signer.Verify(a.Value)
	if err != nil {
		s.log.Warn("Rejected approval click", slog.String("user", a.UserID), slog.Any("error", err))
		s.deps.Metrics.WebhookReceived(string(payload.Slack), outcomeUnauthorized)
		return
	}
	log := s.log.With(
		slog.String("original_task_id", approval.OriginalTaskID),
		slog.String("action", approval.Action),
		slog.String("user", a.UserID),
	)

	decisionID := "approval:" + approval.OriginalTaskID
	raw, _ := json.Marshal(approval)
	rec := &audit.WebhookEvent{
		EventID:   decisionID,
		Provider:  string(payload.Slack),
		EventType: actionEventType,
		Payload:   raw,
		Command:   approval.Command,
	}
	if !s.claim(ctx, rec) {
		log.Info("Task already decided, ignoring click")
		s.deps.Metrics.WebhookReceived(string(payload.Slack), outcomeDuplicate)
		return
	}

	actor := a.Username
	if actor == "" {
		actor = a.UserID
	}

	note, outcome := "", outcomeQueued
	switch approval.Action {
	case dispatch.ActionReject:
		note, outcome = fmt.Sprintf("❌ Rejected by <@%s>", a.UserID), outcomeRejected
		log.Info("Task rejected")
	default:
		task, err := s.deps.Factory.CreateFromAction(ctx, approval, actor)
		if err != nil {
			if errors.Is(err, intake.ErrRateLimited) {
				log.Warn("Approval rate limited")
			} else {
				log.Error("Failed to create follow-up task", slog.Any("error", err))
			}
			s.release(ctx, rec)
			s.deps.Metrics.WebhookReceived(string(payload.Slack), outcomeError)
			return
		}
		s.resolve(ctx, rec, task.ID)
		verb := "✅ Approved"
		if approval.Action == dispatch.ActionReview {
			verb = "👀 Review requested"
		}
		note = fmt.Sprintf("%s by <@%s> · follow-up task `%s`", verb, a.UserID, task.ID)
		log.Info("Follow-up task queued", slog.String("task_id", task.ID))
	}
	s.deps.Metrics.WebhookReceived(string(payload.Slack), outcome)
	s.resolveButtons(ctx, a, approval.OriginalTaskID, note)
}

// claim inserts the decision row for a task. Only the caller whose insert
// lands gets true; concurrent clicks on the same task see ErrDuplicate.
// Without an audit log every click is let through.
func (s *Server) claim(ctx context.Context, rec *audit.WebhookEvent) bool {
	if s.deps.Audit == nil {
		return true
	}
	err := s.deps.Audit.Record(context.WithoutCancel(ctx), rec)
	switch {
	case err == nil:
		return true
	case errors.Is(err, audit.ErrDuplicate):
		return false
	default:
		s.log.Warn("Failed to claim approval decision", slog.String("event_id", rec.EventID), slog.Any("error", err))
		return false
	}
}

// release drops a claim whose follow-up task could not be created, so the
// buttons stay usable. The failure itself is kept as an unkeyed row.
func (s *Server) release(ctx context.Context, rec *audit.WebhookEvent) {
	if s.deps.Audit == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.deps.Audit.Release(ctx, rec.Provider, rec.EventID); err != nil {
		s.log.Warn("Failed to release approval claim", slog.String("event_id", rec.EventID), slog.Any("error", err))
		return
	}
	failed := *rec
	failed.ID, failed.EventID, failed.CreatedAt = "", "", time.Time{}
	failed.SuppressedReason = reasonError
	s.record(ctx, &failed)
}

func (s *Server) resolve(ctx context.Context, rec *audit.WebhookEvent, taskID string) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Resolve(context.WithoutCancel(ctx), rec.Provider, rec.EventID, taskID); err != nil {
		s.log.Warn("Failed to link approval to task", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// resolveButtons replaces the approval buttons of the clicked message with a
// note recording the decision.
func (s *Server) resolveButtons(ctx context.Context, a slack.InteractionAction, taskID, note string) {
	if s.deps.Slack == nil || a.ChannelID == "" || a.MessageTS == "" {
		return
	}
	blocks := make([]any, 0, len(a.MessageBlocks)+1)
	for _, b := range a.MessageBlocks {
		if gjson.GetBytes(b, "block_id").String() == dispatch.ApprovalBlockID(taskID) {
			continue
		}
		blocks = append(blocks, b)
	}
	blocks = append(blocks, slack.Context(note))

	if err := s.deps.Slack.UpdateMessage(ctx, a.ChannelID, a.MessageTS, note, blocks); err != nil {
		s.log.Warn("Failed to update approval message", slog.String("channel", a.ChannelID), slog.Any("error", err))
	}
}

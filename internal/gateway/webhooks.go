package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alekspetrov/hookpilot/internal/adapters/github"
	"github.com/alekspetrov/hookpilot/internal/adapters/jira"
	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/audit"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/payload"
)

// Jira's per-delivery id header.
const jiraHeaderDelivery = "X-Atlassian-Webhook-Identifier"

// Webhook outcomes, used as response status and metric label.
const (
	outcomeQueued       = "queued"
	outcomeIgnored      = "ignored"
	outcomeSuppressed   = "suppressed"
	outcomeDuplicate    = "duplicate"
	outcomeRateLimited  = "rate_limited"
	outcomeInvalid      = "invalid"
	outcomeUnauthorized = "unauthorized"
	outcomeError        = "error"
	outcomeRejected     = "rejected"
)

// Audit reasons for events that did not create a task.
const (
	reasonNoCommand   = "no_command"
	reasonRateLimited = "rate_limited"
	reasonError       = "error"
)

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, payload.GitHub)
	if !ok {
		return
	}
	if !github.VerifyWebhookSignature(body, r.Header.Get(github.HeaderSignature), s.deps.Secrets.GitHub) {
		s.unauthorized(w, payload.GitHub)
		return
	}

	kind := r.Header.Get(github.HeaderEvent)
	if kind == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	ev, err := payload.Decode(payload.GitHub, kind, body)
	if err != nil {
		s.invalid(w, payload.GitHub, err)
		return
	}
	s.ingest(r.Context(), w, ev, r.Header.Get(github.HeaderDelivery))
}

func (s *Server) handleJiraWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, payload.Jira)
	if !ok {
		return
	}
	if !jira.VerifyWebhook(body, r.Header.Get(jira.HeaderSignature), r.URL.Query().Get("secret"), s.deps.Secrets.Jira) {
		s.unauthorized(w, payload.Jira)
		return
	}
	ev, err := payload.Decode(payload.Jira, "", body)
	if err != nil {
		s.invalid(w, payload.Jira, err)
		return
	}
	s.ingest(r.Context(), w, ev, r.Header.Get(jiraHeaderDelivery))
}

func (s *Server) handleSlackWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, payload.Slack)
	if !ok {
		return
	}
	if !slack.VerifySignature(s.deps.Secrets.Slack, r.Header.Get(slack.HeaderTimestamp), body, r.Header.Get(slack.HeaderSignature), s.now()) {
		s.unauthorized(w, payload.Slack)
		return
	}
	ev, err := payload.Decode(payload.Slack, "", body)
	if err != nil {
		s.invalid(w, payload.Slack, err)
		return
	}
	se := ev.(*payload.SlackEvent)
	if se.IsURLVerification() {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": se.Challenge})
		return
	}
	if n := r.Header.Get(slack.HeaderRetryNum); n != "" {
		s.log.Debug("Slack retry delivery", slog.String("event_id", se.EventID), slog.String("retry", n))
	}
	s.ingest(r.Context(), w, ev, se.EventID)
}

// ingest runs the shared path of every inbound event: duplicate delivery
// check, loop suppression, command matching and task creation. Every outcome
// is written to the audit log. Only internal failures get a non-2xx reply.
func (s *Server) ingest(ctx context.Context, w http.ResponseWriter, ev payload.Event, deliveryID string) {
	p := ev.Provider()
	log := s.log.With(
		slog.String("provider", string(p)),
		slog.String("kind", ev.Kind()),
		slog.String("delivery_id", deliveryID),
	)
	rec := &audit.WebhookEvent{
		EventID:   deliveryID,
		Provider:  string(p),
		EventType: ev.Kind(),
		Payload:   ev.Raw(),
	}

	if s.seen(ctx, p, deliveryID) {
		log.Info("Ignoring repeated delivery")
		s.respond(w, p, http.StatusOK, outcomeDuplicate, nil)
		return
	}

	if s.deps.Guard != nil {
		if drop, reason := s.deps.Guard.Suppress(ctx, ev); drop {
			log.Info("Suppressed event", slog.String("reason", reason), slog.String("actor", ev.Actor()))
			rec.SuppressedReason = reason
			s.record(ctx, rec)
			s.deps.Metrics.WebhookSuppressed(string(p), reason)
			s.respond(w, p, http.StatusOK, outcomeSuppressed, map[string]string{"reason": reason})
			return
		}
	}

	match, err := s.deps.Matcher.Match(ev)
	if err != nil {
		if !errors.Is(err, intake.ErrNoCommand) {
			log.Warn("Command matching failed", slog.Any("error", err))
		}
		rec.SuppressedReason = reasonNoCommand
		s.record(ctx, rec)
		s.respond(w, p, http.StatusOK, outcomeIgnored, map[string]string{"reason": reasonNoCommand})
		return
	}
	rec.Command = match.Command.Name

	task, err := s.deps.Factory.Create(ctx, intake.Request{Event: ev, Match: match})
	switch {
	case errors.Is(err, intake.ErrRateLimited):
		log.Warn("Rate limited", slog.String("actor", ev.Actor()))
		rec.SuppressedReason = reasonRateLimited
		s.record(ctx, rec)
		s.respond(w, p, http.StatusOK, outcomeRateLimited, nil)
		return
	case err != nil:
		log.Error("Failed to create task", slog.String("command", match.Command.Name), slog.Any("error", err))
		rec.SuppressedReason = reasonError
		s.record(ctx, rec)
		s.deps.Metrics.WebhookReceived(string(p), outcomeError)
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	rec.TaskID = task.ID
	rec.ResponseSent = true
	s.record(ctx, rec)
	log.Info("Task queued",
		slog.String("task_id", task.ID),
		slog.String("command", match.Command.Name),
		slog.String("flow_id", task.FlowID),
	)
	s.acknowledge(ctx, ev)
	s.respond(w, p, http.StatusAccepted, outcomeQueued, map[string]string{
		"task_id": task.ID,
		"command": match.Command.Name,
	})
}

// acknowledge reacts to a triggering GitHub comment so the author sees the
// task was picked up.
func (s *Server) acknowledge(ctx context.Context, ev payload.Event) {
	ge, ok := ev.(*payload.GitHubEvent)
	if !ok || ge.CommentID == 0 || s.deps.GitHub == nil || s.deps.AckReaction == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	go func() {
		defer cancel()
		if err := s.deps.GitHub.AddCommentReaction(ctx, ge.Owner(), ge.Name(), ge.CommentID, s.deps.AckReaction); err != nil {
			s.log.Warn("Failed to react to comment", slog.Int64("comment_id", ge.CommentID), slog.Any("error", err))
		}
	}()
}

func (s *Server) seen(ctx context.Context, p payload.Provider, deliveryID string) bool {
	if deliveryID == "" || s.deps.Audit == nil {
		return false
	}
	seen, err := s.deps.Audit.Seen(ctx, string(p), deliveryID)
	if err != nil {
		s.log.Warn("Audit lookup failed", slog.String("provider", string(p)), slog.Any("error", err))
		return false
	}
	return seen
}

func (s *Server) record(ctx context.Context, rec *audit.WebhookEvent) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		if errors.Is(err, audit.ErrDuplicate) {
			s.log.Debug("Delivery already audited", slog.String("event_id", rec.EventID))
			return
		}
		s.log.Warn("Failed to write audit record", slog.Any("error", err))
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, p payload.Provider) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.deps.Metrics.WebhookReceived(string(p), outcomeInvalid)
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return nil, false
		}
		s.invalid(w, p, err)
		return nil, false
	}
	return body, true
}

func (s *Server) unauthorized(w http.ResponseWriter, p payload.Provider) {
	s.log.Warn("Rejected webhook with a bad signature", slog.String("provider", string(p)))
	s.deps.Metrics.WebhookReceived(string(p), outcomeUnauthorized)
	writeError(w, http.StatusUnauthorized, "invalid signature")
}

func (s *Server) invalid(w http.ResponseWriter, p payload.Provider, err error) {
	s.log.Warn("Rejected malformed webhook", slog.String("provider", string(p)), slog.Any("error", err))
	s.deps.Metrics.WebhookReceived(string(p), outcomeInvalid)
	writeError(w, http.StatusBadRequest, "invalid payload")
}

func (s *Server) respond(w http.ResponseWriter, p payload.Provider, status int, outcome string, extra map[string]string) {
	s.deps.Metrics.WebhookReceived(string(p), outcome)
	body := map[string]string{"status": outcome}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/alekspetrov/hookpilot/internal/correlation"
	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/metrics"
	"github.com/alekspetrov/hookpilot/internal/payload"
	"github.com/alekspetrov/hookpilot/internal/queue"
	"github.com/alekspetrov/hookpilot/internal/store"
)

// ErrRateLimited means the actor started too many tasks recently.
var ErrRateLimited = errors.New("rate limited")

// Request is one task to create. Webhook requests carry Event and Match;
// dashboard requests carry Prompt and optionally Command and ExternalID.
type Request struct {
	Event payload.Event
	Match *Match

	Prompt     string
	Command    string
	ExternalID string
	Actor      string
}

// Factory creates tasks.
type Factory struct {
	store      store.Store
	correlator *correlation.Correlator
	queue      queue.Queue
	matcher    *Matcher
	limiter    *RateLimiter
	metrics    *metrics.Metrics
	history    int
	approve    *template.Template
	review     *template.Template
	log        *slog.Logger
}

// NewFactory wires a factory. m may be nil.
func NewFactory(cfg *Config, s store.Store, q queue.Queue, matcher *Matcher, m *metrics.Metrics) (*Factory, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	f := &Factory{
		store:      s,
		correlator: correlation.New(s),
		queue:      q,
		matcher:    matcher,
		metrics:    m,
		history:    cfg.HistoryMessages,
		log:        logging.WithComponent("intake"),
	}
	if cfg.RateLimit != nil {
		f.limiter = NewRateLimiter(cfg.RateLimit)
	}
	var err error
	if f.approve, err = parsePrompt("approve", cfg.Approval.ApprovePrompt); err != nil {
		return nil, err
	}
	if f.review, err = parsePrompt("review", cfg.Approval.ReviewPrompt); err != nil {
		return nil, err
	}
	return f, nil
}

func parsePrompt(name, text string) (*template.Template, error) {
	if text == "" {
		text = DefaultPrompt
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("intake: parse %s prompt: %w", name, err)
	}
	return t, nil
}

// Limiter exposes the rate limiter for periodic cleanup.
func (f *Factory) Limiter() *RateLimiter { return f.limiter }

// Create inserts the task, resolves its conversation, renders the prompt,
// records the user message and enqueues the task id.
func (f *Factory) Create(ctx context.Context, req Request) (*store.Task, error) {
	task := &store.Task{ID: correlation.NewTaskID(), Status: store.StatusQueued}
	data := PromptData{}
	var cmd *Command
	var content string

	if ev := req.Event; ev != nil {
		if req.Match == nil || req.Match.Command == nil {
			return nil, ErrNoCommand
		}
		cmd, content = req.Match.Command, req.Match.Content
		provider := ev.Provider()
		actor := ev.Actor()
		if !f.limiter.Allow(string(provider) + ":" + actor) {
			return nil, fmt.Errorf("%s %s: %w", provider, actor, ErrRateLimited)
		}

		task.ExternalID = correlation.ExternalID(string(provider), ev.Raw())
		task.Source = store.SourceWebhook
		task.Metadata = store.Metadata{
			WebhookSource:     provider,
			EventType:         ev.Kind(),
			Command:           cmd.Name,
			Payload:           ev.Raw(),
			Routing:           ev.Routing(),
			CompletionHandler: string(provider),
			RequiresApproval:  cmd.RequiresApproval,
			Actor:             actor,
		}
		data = PromptData{
			Command:  cmd.Name,
			Content:  content,
			Provider: string(provider),
			Kind:     ev.Kind(),
			Object:   ev.Object(),
			Actor:    actor,
			Title:    eventTitle(ev),
		}
	} else {
		if strings.TrimSpace(req.Prompt) == "" {
			return nil, errors.New("intake: prompt is required")
		}
		content = req.Prompt
		if !f.limiter.Allow("api:" + req.Actor) {
			return nil, fmt.Errorf("api %s: %w", req.Actor, ErrRateLimited)
		}
		if req.Command != "" && f.matcher != nil {
			var ok bool
			if cmd, ok = f.matcher.Lookup(req.Command); !ok {
				return nil, fmt.Errorf("intake: unknown command %q", req.Command)
			}
		}
		task.ExternalID = req.ExternalID
		task.Source = store.SourceDashboard
		task.Metadata = store.Metadata{Actor: req.Actor}
		data = PromptData{Content: content, Actor: req.Actor, Object: req.ExternalID}
		if cmd != nil {
			task.Metadata.Command = cmd.Name
			data.Command = cmd.Name
		}
	}
	task.FlowID = correlation.FlowID(task.ExternalID)

	conv, err := f.correlator.GetOrCreateConversation(ctx, task.FlowID, task.ExternalID, task,
		correlation.TitleInput{Object: data.Object, Command: data.Command, Text: content})
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	task.ConversationID = conv.ID

	history, err := f.correlator.History(ctx, conv.ID, f.history)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	data.History = correlation.FormatHistory(history)

	if cmd != nil {
		task.Prompt, err = cmd.Render(data)
	} else {
		task.Prompt, err = execute(defaultPrompt, data)
	}
	if err != nil {
		return nil, err
	}
	return f.enqueue(ctx, task, conv.ID, content)
}

// CreateFromAction re-creates a task from a verified approve or review
// button click. The new task continues the original task's conversation and
// replies where it did.
func (f *Factory) CreateFromAction(ctx context.Context, a *dispatch.Approval, actor string) (*store.Task, error) {
	var tmpl *template.Template
	switch a.Action {
	case dispatch.ActionApprove:
		tmpl = f.approve
	case dispatch.ActionReview:
		tmpl = f.review
	default:
		return nil, fmt.Errorf("intake: action %q does not create a task", a.Action)
	}
	parent, err := f.store.GetTask(ctx, a.OriginalTaskID)
	if err != nil {
		return nil, fmt.Errorf("load original task %s: %w", a.OriginalTaskID, err)
	}
	if !f.limiter.Allow("slack:" + actor) {
		return nil, fmt.Errorf("slack %s: %w", actor, ErrRateLimited)
	}

	meta := parent.Metadata
	meta.Command = a.Command + ":" + a.Action
	meta.RequiresApproval = false
	meta.ParentTaskID = parent.ID
	meta.Actor = actor
	if meta.CompletionHandler == "" {
		meta.CompletionHandler = a.Source
	}
	if meta.Routing.Provider == "" {
		meta.Routing = a.Routing
	}
	task := &store.Task{
		ID:         correlation.NewTaskID(),
		FlowID:     parent.FlowID,
		ExternalID: parent.ExternalID,
		Status:     store.StatusQueued,
		Source:     store.SourceApproval,
		Metadata:   meta,
	}

	conv, err := f.correlator.GetOrCreateConversation(ctx, task.FlowID, task.ExternalID, task,
		correlation.TitleInput{Command: a.Command})
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	task.ConversationID = conv.ID
	history, err := f.correlator.History(ctx, conv.ID, f.history)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	task.Prompt, err = execute(tmpl, PromptData{
		Command:  a.Command,
		Provider: a.Source,
		Actor:    actor,
		History:  correlation.FormatHistory(history),
	})
	if err != nil {
		return nil, err
	}
	return f.enqueue(ctx, task, conv.ID, fmt.Sprintf("[%s by %s]", a.Action, actor))
}

func (f *Factory) enqueue(ctx context.Context, task *store.Task, convID, userText string) (*store.Task, error) {
	if err := f.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := f.correlator.AppendMessage(ctx, convID, store.RoleUser, userText, task.ID); err != nil {
		f.log.Warn("Failed to record user message", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	if err := f.queue.Push(ctx, task.ID); err != nil {
		_ = f.store.FinishTask(ctx, task.ID, store.TaskResult{Status: store.StatusFailed, Error: "enqueue failed: " + err.Error()})
		return nil, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	f.metrics.TaskCreated(task.Source, task.Metadata.Command)
	f.log.Info("Task queued",
		slog.String("task_id", task.ID),
		slog.String("flow_id", task.FlowID),
		slog.String("conversation_id", task.ConversationID),
		slog.String("command", task.Metadata.Command),
		slog.String("source", task.Source),
	)
	return task, nil
}

var defaultPrompt = template.Must(template.New("default").Parse(DefaultPrompt))

func execute(t *template.Template, data PromptData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return strings.TrimSpace(b.String()), nil
}

func eventTitle(ev payload.Event) string {
	switch e := ev.(type) {
	case *payload.GitHubEvent:
		return e.Title
	case *payload.JiraEvent:
		return e.Summary
	}
	return ""
}

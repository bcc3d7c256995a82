package intake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/payload"
	"github.com/alekspetrov/hookpilot/internal/queue"
	"github.com/alekspetrov/hookpilot/internal/store"
)

type fixture struct {
	store   store.Store
	queue   *queue.Memory
	matcher *Matcher
	factory *Factory
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	m, err := NewMatcher(cfg)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	q := queue.NewMemory()
	f, err := NewFactory(cfg, s, q, m, nil)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return &fixture{store: s, queue: q, matcher: m, factory: f}
}

func (fx *fixture) create(t *testing.T, ev payload.Event) *store.Task {
	t.Helper()
	match, err := fx.matcher.Match(ev)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	task, err := fx.factory.Create(context.Background(), Request{Event: ev, Match: match})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func (fx *fixture) pop(t *testing.T) string {
	t.Helper()
	id, err := fx.queue.Pop(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return id
}

func TestCreateFromWebhook(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	first := fx.create(t, decode(t, payload.GitHub, "issue_comment", githubComment("@agent review check auth")))
	if fx.pop(t) != first.ID {
		t.Fatal("task id not enqueued")
	}

	got, err := fx.store.GetTask(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.StatusQueued || got.Source != store.SourceWebhook {
		t.Errorf("task = %s/%s", got.Status, got.Source)
	}
	if got.ExternalID != "github:acme/api:42" || got.ConversationID == "" {
		t.Errorf("correlation = %q %q", got.ExternalID, got.ConversationID)
	}
	meta := got.Metadata
	if meta.CompletionHandler != "github" || meta.Command != "review" || meta.Routing.Repo != "acme/api" || meta.Actor != "alice" {
		t.Errorf("metadata = %+v", meta)
	}
	if !strings.Contains(got.Prompt, "Review acme/api#42") || !strings.Contains(got.Prompt, "Focus: check auth") {
		t.Errorf("prompt = %q", got.Prompt)
	}

	second := fx.create(t, decode(t, payload.GitHub, "issue_comment", githubComment("@agent ask and now?")))
	if second.FlowID != first.FlowID || second.ConversationID != first.ConversationID {
		t.Error("follow-up event started a new flow")
	}
	if !strings.HasPrefix(second.Prompt, "Previous conversation:\n[user] check auth\n") {
		t.Errorf("follow-up prompt lacks history: %q", second.Prompt)
	}

	msgs, _ := fx.store.RecentMessages(ctx, first.ConversationID, 10)
	if len(msgs) != 2 || msgs[1].TaskID != second.ID || msgs[1].Role != store.RoleUser {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestCreateRequiresMatch(t *testing.T) {
	fx := newFixture(t, nil)
	ev := decode(t, payload.GitHub, "issue_comment", githubComment("hi"))
	if _, err := fx.factory.Create(context.Background(), Request{Event: ev}); !errors.Is(err, ErrNoCommand) {
		t.Errorf("err = %v, want ErrNoCommand", err)
	}
}

func TestCreateRateLimited(t *testing.T) {
	fx := newFixture(t, func(c *Config) {
		c.RateLimit = &RateLimitConfig{Enabled: true, TasksPerHour: 1, BurstSize: 1}
	})
	ev := decode(t, payload.GitHub, "issue_comment", githubComment("@agent ask one"))
	fx.create(t, ev)

	match, _ := fx.matcher.Match(ev)
	_, err := fx.factory.Create(context.Background(), Request{Event: ev, Match: match})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if n, _ := fx.queue.Len(context.Background()); n != 1 {
		t.Errorf("queue length = %d", n)
	}
}

func TestCreateDashboardTask(t *testing.T) {
	fx := newFixture(t, nil)
	task, err := fx.factory.Create(context.Background(), Request{Prompt: "summarize the repo", Command: "ask", Actor: "ops"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Source != store.SourceDashboard || task.Metadata.CompletionHandler != "" || task.Metadata.Command != "ask" {
		t.Errorf("task = %+v", task)
	}
	if task.Prompt != "summarize the repo" {
		t.Errorf("prompt = %q", task.Prompt)
	}
	if _, err := fx.factory.Create(context.Background(), Request{Prompt: "x", Command: "deploy"}); err == nil {
		t.Error("unknown command accepted")
	}
	if _, err := fx.factory.Create(context.Background(), Request{}); err == nil {
		t.Error("empty prompt accepted")
	}
}

func TestCreateFromAction(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	ev := decode(t, payload.Slack, "", `{"type":"event_callback","event":{"type":"app_mention","channel":"C1","user":"U1","text":"<@U0BOT> plan the cache","ts":"5.5"}}`)
	parent := fx.create(t, ev)
	_ = fx.pop(t)

	approval := &dispatch.Approval{
		OriginalTaskID: parent.ID,
		Command:        "plan",
		Source:         "slack",
		Action:         dispatch.ActionApprove,
		Routing:        parent.Metadata.Routing,
	}
	child, err := fx.factory.CreateFromAction(ctx, approval, "U2")
	if err != nil {
		t.Fatalf("CreateFromAction: %v", err)
	}
	if fx.pop(t) != child.ID {
		t.Error("child not enqueued")
	}
	if child.Source != store.SourceApproval || child.Metadata.ParentTaskID != parent.ID {
		t.Errorf("child = %+v", child)
	}
	if child.FlowID != parent.FlowID || child.ConversationID != parent.ConversationID {
		t.Error("child left the parent's conversation")
	}
	if child.Metadata.CompletionHandler != "slack" || child.Metadata.Routing.ThreadTS != "5.5" || child.Metadata.RequiresApproval {
		t.Errorf("child metadata = %+v", child.Metadata)
	}
	if !strings.Contains(child.Prompt, "approved by U2") || !strings.Contains(child.Prompt, "[user] the cache") {
		t.Errorf("child prompt = %q", child.Prompt)
	}

	approval.Action = dispatch.ActionReject
	if _, err := fx.factory.CreateFromAction(ctx, approval, "U2"); err == nil {
		t.Error("reject created a task")
	}
	approval.Action = dispatch.ActionReview
	approval.OriginalTaskID = "task-missing0000"
	if _, err := fx.factory.CreateFromAction(ctx, approval, "U2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing parent err = %v", err)
	}
}

package correlation

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/alekspetrov/hookpilot/internal/store"
)

func TestExternalID(t *testing.T) {
	tests := []struct {
		name   string
		source string
		raw    string
		want   string
	}{
		{"jira issue key", "jira", `{"issue":{"key":"TEST-1"}}`, "jira:TEST-1"},
		{"github issue comment", "github", `{"repository":{"full_name":"acme/api"},"issue":{"number":42},"comment":{"id":9}}`, "github:acme/api:42"},
		{"github pull request", "github", `{"repository":{"full_name":"acme/api"},"pull_request":{"number":7}}`, "github:acme/api:7"},
		{"slack thread reply", "slack", `{"event":{"channel":"C1","ts":"171.2","thread_ts":"170.1"}}`, "slack:C1:170.1"},
		{"slack root message", "slack", `{"event":{"channel":"C1","ts":"170.1"}}`, "slack:C1:170.1"},
		{"generic event id", "linear", `{"event_id":"evt_9"}`, "linear:evt_9"},
		{"github without repo falls back", "github", `{"issue":{"number":3}}`, "github:3"},
		{"bare chat message", "slack", `{"text":"hello"}`, ""},
		{"object ids are ignored", "custom", `{"id":{"nested":true}}`, ""},
		{"invalid json", "jira", `{not json`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExternalID(tt.source, []byte(tt.raw)); got != tt.want {
				t.Errorf("ExternalID(%q, %s) = %q, want %q", tt.source, tt.raw, got, tt.want)
			}
		})
	}
}

func TestIDDeterminism(t *testing.T) {
	flowRe := regexp.MustCompile(`^flow-[0-9a-f]{12}$`)
	convRe := regexp.MustCompile(`^conv-[0-9a-f]{8}$`)

	for _, ext := range []string{"jira:TEST-1", "github:acme/api:42", "slack:C1:170.1"} {
		if FlowID(ext) != FlowID(ext) {
			t.Errorf("FlowID(%q) not deterministic", ext)
		}
		if ConversationID(ext) != ConversationID(ext) {
			t.Errorf("ConversationID(%q) not deterministic", ext)
		}
		if !flowRe.MatchString(FlowID(ext)) {
			t.Errorf("FlowID(%q) = %q has wrong shape", ext, FlowID(ext))
		}
		if !convRe.MatchString(ConversationID(ext)) {
			t.Errorf("ConversationID(%q) = %q has wrong shape", ext, ConversationID(ext))
		}
		if strings.TrimPrefix(FlowID(ext), "flow-")[:8] == strings.TrimPrefix(ConversationID(ext), "conv-") {
			t.Errorf("flow and conversation ids share a hash namespace for %q", ext)
		}
	}

	if FlowID("jira:TEST-1") == FlowID("jira:TEST-2") {
		t.Error("different objects produced the same flow")
	}
	if FlowID("") == FlowID("") {
		t.Error("empty external id must produce a fresh random flow")
	}
	if !flowRe.MatchString(FlowID("")) || !convRe.MatchString(ConversationID("")) {
		t.Error("random ids have wrong shape")
	}
	if !regexp.MustCompile(`^task-[0-9a-f]{12}$`).MatchString(NewTaskID()) {
		t.Errorf("NewTaskID() = %q", NewTaskID())
	}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Scenario: two Jira events about TEST-1 share a flow and a conversation.
func TestRepeatedEventsShareConversation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := New(s)

	ext := ExternalID("jira", []byte(`{"issue":{"key":"TEST-1"}}`))
	if ext != "jira:TEST-1" {
		t.Fatalf("ExternalID = %q", ext)
	}

	var convIDs []string
	for _, taskID := range []string{"task-000000000001", "task-000000000002"} {
		flow := FlowID(ext)
		task := &store.Task{ID: taskID, FlowID: flow, ExternalID: ext, Source: store.SourceWebhook}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		conv, err := c.GetOrCreateConversation(ctx, flow, ext, task, TitleInput{Object: "TEST-1", Command: "analyze"})
		if err != nil {
			t.Fatalf("GetOrCreateConversation: %v", err)
		}
		if err := c.AppendMessage(ctx, conv.ID, store.RoleUser, "analyze please", taskID); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		convIDs = append(convIDs, conv.ID)
	}

	if convIDs[0] != convIDs[1] {
		t.Fatalf("conversation ids differ: %v", convIDs)
	}
	conv, _ := s.GetConversationByFlow(ctx, FlowID(ext))
	if conv.InitiatedTaskID != "task-000000000001" {
		t.Errorf("InitiatedTaskID = %q, want the first task", conv.InitiatedTaskID)
	}
	history, err := c.History(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[1].TaskID != "task-000000000002" {
		t.Errorf("history = %+v", history)
	}
}

// racyStore hides existing conversations from the first lookup, which is what
// a competing process inserting between lookup and insert looks like.
type racyStore struct {
	store.Store
	mu      sync.Mutex
	lookups int
}

func (r *racyStore) GetConversationByFlow(ctx context.Context, flowID string) (*store.Conversation, error) {
	r.mu.Lock()
	r.lookups++
	first := r.lookups == 1
	r.mu.Unlock()
	if first {
		return nil, store.ErrNotFound
	}
	return r.Store.GetConversationByFlow(ctx, flowID)
}

func TestConflictReturnsWinner(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	ext := "github:acme/api:9"
	flow := FlowID(ext)

	winner := &store.Conversation{ID: ConversationID(ext), FlowID: flow, ExternalID: ext, Title: "winner", InitiatedTaskID: "task-winner00000"}
	if err := base.CreateConversation(ctx, winner); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := New(&racyStore{Store: base})
	got, err := c.GetOrCreateConversation(ctx, flow, ext, &store.Task{ID: "task-loser000000"}, TitleInput{})
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if got.Title != "winner" || got.InitiatedTaskID != "task-winner00000" {
		t.Errorf("got %+v, want the competing row", got)
	}
}

func TestConversationIDHeldByAnotherFlow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ext := "jira:PROJ-12"
	flow := FlowID(ext)

	// Another flow already owns the short id this external id hashes to.
	other := &store.Conversation{ID: ConversationID(ext), FlowID: "flow-000000000000", ExternalID: "jira:OTHER-1"}
	if err := s.CreateConversation(ctx, other); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := New(s)
	conv, err := c.GetOrCreateConversation(ctx, flow, ext, &store.Task{ID: "task-000000000012"}, TitleInput{Object: "PROJ-12"})
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if conv.ID == other.ID || conv.FlowID != flow {
		t.Errorf("conv = %+v, want a fresh id for %s", conv, flow)
	}

	again, err := c.GetOrCreateConversation(ctx, flow, ext, &store.Task{ID: "task-000000000013"}, TitleInput{})
	if err != nil {
		t.Fatalf("second GetOrCreateConversation: %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("follow-up got %s, want %s", again.ID, conv.ID)
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := New(s)
	ext := "slack:C9:1.0"
	flow := FlowID(ext)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := c.GetOrCreateConversation(ctx, flow, ext, &store.Task{ID: NewTaskID()}, TitleInput{Object: "C9"})
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("conversation ids diverged: %v", ids)
		}
	}
}

func TestBuildTitle(t *testing.T) {
	tests := []struct {
		in   TitleInput
		want string
	}{
		{TitleInput{Object: "PROJ-7", Command: "review", Text: "look at\nthe   login flow"}, "PROJ-7 · review: look at the login flow"},
		{TitleInput{Command: "ask"}, "ask"},
		{TitleInput{}, "Untitled conversation"},
	}
	for _, tt := range tests {
		if got := BuildTitle(tt.in); got != tt.want {
			t.Errorf("BuildTitle(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := BuildTitle(TitleInput{Object: "acme/api#1", Text: strings.Repeat("ü", 300)})
	if n := utf8.RuneCountInString(long); n != MaxTitleLength {
		t.Errorf("long title has %d runes, want %d", n, MaxTitleLength)
	}
}

func TestFormatHistory(t *testing.T) {
	got := FormatHistory([]*store.Message{
		{Role: store.RoleUser, Content: "fix it"},
		{Role: store.RoleAssistant, Content: "done\n"},
	})
	want := "Previous conversation:\n[user] fix it\n[assistant] done\n"
	if got != want {
		t.Errorf("FormatHistory = %q, want %q", got, want)
	}
	if FormatHistory(nil) != "" {
		t.Error("empty history should render as empty string")
	}
}

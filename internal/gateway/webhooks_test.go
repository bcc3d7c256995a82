package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/hookpilot/internal/adapters"
	"github.com/alekspetrov/hookpilot/internal/adapters/github"
	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/idempotency"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/payload"
	"github.com/alekspetrov/hookpilot/internal/store"
	"github.com/alekspetrov/hookpilot/internal/testutil"
)

const issueComment = `{
  "action": "created",
  "issue": {"number": 12, "title": "Flaky retry", "body": "", "pull_request": {"url": "https://api.github.com/repos/acme/widgets/pulls/12"}},
  "comment": {"id": 5001, "body": %q, "user": {"login": %q, "id": 7, "type": "User"}},
  "repository": {"full_name": "acme/widgets"},
  "sender": {"login": "alice", "id": 7, "type": "User"}
}`

func githubRequest(t *testing.T, kind, delivery, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(github.HeaderEvent, kind)
	req.Header.Set(github.HeaderDelivery, delivery)
	req.Header.Set(github.HeaderSignature, "sha256="+adapters.SignSHA256(testutil.FakeGitHubWebhookSecret, []byte(body)))
	return req
}

func commentBody(login, text string) string {
	return fmt.Sprintf(issueComment, text, login)
}

func slackRequest(path, contentType, body string, at time.Time) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(slack.HeaderTimestamp, ts)
	req.Header.Set(slack.HeaderSignature, slack.Sign(testutil.FakeSlackSigningSecret, ts, []byte(body)))
	return req
}

func TestGitHubCommentQueuesTask(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	w := env.do(t, githubRequest(t, "issue_comment", "delivery-1", commentBody("alice", "@agent review check the error handling")))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != outcomeQueued || resp["command"] != "review" {
		t.Fatalf("response = %v", resp)
	}
	taskID, _ := resp["task_id"].(string)

	task, err := env.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.StatusQueued {
		t.Errorf("status = %s, want queued", task.Status)
	}
	if task.Metadata.Routing.Repo != "acme/widgets" || task.Metadata.Routing.PRNumber != 12 {
		t.Errorf("routing = %+v", task.Metadata.Routing)
	}
	if !strings.Contains(task.Prompt, "Focus: check the error handling") {
		t.Errorf("prompt = %q", task.Prompt)
	}
	if n, _ := env.queue.Len(ctx); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}

	events, err := env.audit.ForTask(ctx, taskID)
	if err != nil || len(events) != 1 {
		t.Fatalf("ForTask = %v, %v", events, err)
	}
	if events[0].EventID != "delivery-1" || events[0].Command != "review" || !events[0].ResponseSent {
		t.Errorf("audit row = %+v", events[0])
	}

	select {
	case got := <-env.reactor.done:
		if got != "acme/widgets:eyes" {
			t.Errorf("reaction = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Error("no acknowledgement reaction")
	}
}

func TestGitHubWebhookOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		kind       string
		login      string
		text       string
		wantCode   int
		wantStatus string
		wantReason string
	}{
		{"no trigger", "issue_comment", "alice", "looks good to me", http.StatusOK, outcomeIgnored, reasonNoCommand},
		{"trigger without text", "issue_comment", "alice", "@agent", http.StatusOK, outcomeIgnored, reasonNoCommand},
		{"own account", "issue_comment", "hookpilot-bot", "@agent review", http.StatusOK, outcomeSuppressed, idempotency.ReasonOwnAccount},
		{"bot sender", "issue_comment", "renovate[bot]", "@agent fix", http.StatusOK, outcomeSuppressed, idempotency.ReasonBotSender},
		{"fallback command", "issue_comment", "alice", "@agent why does this retry forever?", http.StatusAccepted, outcomeQueued, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(t, githubRequest(t, tt.kind, "d-"+tt.name, commentBody(tt.login, tt.text)))
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			resp := decode(t, w)
			if resp["status"] != tt.wantStatus {
				t.Errorf("outcome = %v, want %s", resp["status"], tt.wantStatus)
			}
			if tt.wantReason != "" && resp["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %s", resp["reason"], tt.wantReason)
			}
			if tt.wantStatus != outcomeQueued {
				if n, _ := env.queue.Len(context.Background()); n != 0 {
					t.Errorf("queue length = %d, want 0", n)
				}
			}
		})
	}
}

func TestGitHubPostedMarkerSuppresses(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.guard.MarkPosted(context.Background(), payload.GitHub, "5001"); err != nil {
		t.Fatalf("MarkPosted: %v", err)
	}
	w := env.do(t, githubRequest(t, "issue_comment", "d-marker", commentBody("alice", "@agent review")))
	if resp := decode(t, w); resp["reason"] != idempotency.ReasonPostedMarker {
		t.Errorf("response = %v", resp)
	}
}

func TestGitHubDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	body := commentBody("alice", "@agent analyze")

	first := env.do(t, githubRequest(t, "issue_comment", "delivery-dup", body))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first delivery = %d", first.Code)
	}
	second := env.do(t, githubRequest(t, "issue_comment", "delivery-dup", body))
	if second.Code != http.StatusOK || decode(t, second)["status"] != outcomeDuplicate {
		t.Errorf("second delivery = %d %s", second.Code, second.Body.String())
	}
	if n, _ := env.queue.Len(context.Background()); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestGitHubBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	req := githubRequest(t, "issue_comment", "d-bad", commentBody("alice", "@agent review"))
	req.Header.Set(github.HeaderSignature, "sha256=deadbeef")

	if w := env.do(t, req); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if seen, _ := env.audit.Seen(context.Background(), "github", "d-bad"); seen {
		t.Error("unauthenticated delivery was audited")
	}
}

func TestGitHubPing(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, githubRequest(t, "ping", "d-ping", `{"zen":"Keep it logically awesome."}`))
	if w.Code != http.StatusOK || decode(t, w)["status"] != "pong" {
		t.Errorf("ping = %d %s", w.Code, w.Body.String())
	}
}

func TestGitHubOpenedIssueDefaultCommand(t *testing.T) {
	body := `{"action":"opened","issue":{"number":3,"title":"Crash on start","body":"Stack trace attached"},
"repository":{"full_name":"acme/widgets"},"sender":{"login":"carol","id":9,"type":"User"}}`

	t.Run("without default command", func(t *testing.T) {
		env := newTestEnv(t, nil)
		w := env.do(t, githubRequest(t, "issues", "d-open-1", body))
		if decode(t, w)["status"] != outcomeIgnored {
			t.Errorf("opened issue was not ignored: %s", w.Body.String())
		}
	})
	t.Run("with default command", func(t *testing.T) {
		env := newTestEnv(t, func(_ *Config, ic *intake.Config) { ic.DefaultCommand = "analyze" })
		w := env.do(t, githubRequest(t, "issues", "d-open-2", body))
		resp := decode(t, w)
		if w.Code != http.StatusAccepted || resp["command"] != "analyze" {
			t.Errorf("opened issue = %d %v", w.Code, resp)
		}
	})
}

func TestWebhookBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *intake.Config) { c.MaxBodyBytes = 64 })
	w := env.do(t, githubRequest(t, "issue_comment", "d-big", commentBody("alice", strings.Repeat("x", 200))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestJiraWebhook(t *testing.T) {
	body := `{"webhookEvent":"comment_created",
"issue":{"key":"OPS-7","fields":{"summary":"Disk alerts"}},
"comment":{"id":"10042","body":"@agent analyze why the alerts fire at night","author":{"accountId":"acc-1","displayName":"Dana"}}}`

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{"query secret", "?secret=" + url.QueryEscape(testutil.FakeJiraWebhookSecret), http.StatusAccepted},
		{"wrong secret", "?secret=nope", http.StatusUnauthorized},
		{"no secret", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			req := httptest.NewRequest(http.MethodPost, "/webhooks/jira"+tt.query, strings.NewReader(body))
			req.Header.Set(jiraHeaderDelivery, "jira-"+tt.name)
			w := env.do(t, req)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode != http.StatusAccepted {
				return
			}
			task, err := env.store.GetTask(context.Background(), decode(t, w)["task_id"].(string))
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if task.Metadata.Routing.TicketKey != "OPS-7" || task.Metadata.Command != "analyze" {
				t.Errorf("task metadata = %+v", task.Metadata)
			}
		})
	}
}

func TestJiraSignatureHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"webhookEvent":"comment_created","issue":{"key":"OPS-8","fields":{"summary":"x"}},
"comment":{"id":"1","body":"@agent fix it","author":{"accountId":"acc-2"}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/jira", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature", adapters.SignSHA256(testutil.FakeJiraWebhookSecret, []byte(body)))

	if w := env.do(t, req); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestSlackURLVerification(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`

	w := env.do(t, slackRequest("/webhooks/slack", "application/json", body, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w)["challenge"]; got != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Errorf("challenge = %v", got)
	}
}

func TestSlackAppMention(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"type":"event_callback","event_id":"Ev01","team_id":"T1",
"event":{"type":"app_mention","channel":"C42","user":"U7","text":"<@UBOT> plan add a cache layer","ts":"1700000000.000100"}}`

	w := env.do(t, slackRequest("/webhooks/slack", "application/json", body, time.Now()))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["command"] != "plan" {
		t.Errorf("command = %v", resp["command"])
	}
	task, err := env.store.GetTask(context.Background(), resp["task_id"].(string))
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	r := task.Metadata.Routing
	if r.Channel != "C42" || r.ThreadTS != "1700000000.000100" {
		t.Errorf("routing = %+v", r)
	}
	if !task.Metadata.RequiresApproval {
		t.Error("plan task does not require approval")
	}
}

func TestSlackStaleSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"type":"event_callback","event_id":"Ev02","event":{"type":"app_mention","user":"U7","text":"<@UBOT> ask hi"}}`

	w := env.do(t, slackRequest("/webhooks/slack", "application/json", body, time.Now().Add(-time.Hour)))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

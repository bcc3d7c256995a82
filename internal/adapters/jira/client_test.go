package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/hookpilot/internal/adapters"
	"github.com/alekspetrov/hookpilot/internal/testutil"
)

func TestAddComment(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		wantPath string
		check    func(t *testing.T, body map[string]any)
	}{
		{
			name:     "cloud uses ADF",
			platform: PlatformCloud,
			wantPath: "/rest/api/3/issue/TEST-1/comment",
			check: func(t *testing.T, body map[string]any) {
				doc, ok := body["body"].(map[string]any)
				if !ok || doc["type"] != "doc" {
					t.Fatalf("body is not an ADF doc: %v", body["body"])
				}
				if n := len(doc["content"].([]any)); n != 2 {
					t.Errorf("ADF paragraphs = %d, want 2", n)
				}
			},
		},
		{
			name:     "server uses plain text",
			platform: PlatformServer,
			wantPath: "/rest/api/2/issue/TEST-1/comment",
			check: func(t *testing.T, body map[string]any) {
				if body["body"] != "Analysis done\n\nCost: $0.0100" {
					t.Errorf("body = %v", body["body"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.wantPath {
					t.Errorf("path = %s, want %s", r.URL.Path, tt.wantPath)
				}
				if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
					t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
				}
				var body map[string]any
				_ = json.NewDecoder(r.Body).Decode(&body)
				tt.check(t, body)
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":"10042"}`))
			}))
			defer server.Close()

			c := NewClient(server.URL+"/", "bot@example.com", testutil.FakeJiraAPIToken, tt.platform)
			comment, err := c.AddComment(context.Background(), "TEST-1", "Analysis done\n\nCost: $0.0100")
			if err != nil {
				t.Fatalf("AddComment: %v", err)
			}
			if comment.ID != "10042" {
				t.Errorf("comment id = %q", comment.ID)
			}
		})
	}
}

func TestAddCommentError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errorMessages":["Issue does not exist"]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "u", testutil.FakeJiraAPIToken, PlatformCloud)
	c.SetRetryOptions(adapters.RetryOptions{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	_, err := c.AddComment(context.Background(), "NOPE-1", "x")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("err = %v", err)
	}
}

func TestToADF(t *testing.T) {
	doc := toADF("line one\nline two\n\nsecond")
	paras := doc["content"].([]map[string]any)
	if len(paras) != 2 {
		t.Fatalf("paragraphs = %d", len(paras))
	}
	first := paras[0]["content"].([]map[string]any)
	if len(first) != 3 || first[1]["type"] != "hardBreak" {
		t.Errorf("first paragraph = %v", first)
	}

	empty := toADF("   ")
	if len(empty["content"].([]map[string]any)) != 1 {
		t.Error("empty text should produce one empty paragraph")
	}
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"webhookEvent":"comment_created"}`)
	secret := testutil.FakeJiraWebhookSecret
	hexSig := adapters.SignSHA256(secret, body)

	tests := []struct {
		name        string
		signature   string
		querySecret string
		secret      string
		want        bool
	}{
		{"prefixed hmac", "sha256=" + hexSig, "", secret, true},
		{"bare hmac", hexSig, "", secret, true},
		{"bad hmac", "sha256=00", "", secret, false},
		{"query secret", "", secret, secret, true},
		{"wrong query secret", "", "guess", secret, false},
		{"nothing supplied", "", "", secret, false},
		{"verification disabled", "", "", "", true},
	}
	for _, tt := range tests {
		if got := VerifyWebhook(body, tt.signature, tt.querySecret, tt.secret); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAddCommentPostsOnceOnServerError(t *testing.T) {
	posts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		if posts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "u", testutil.FakeJiraAPIToken, PlatformCloud)
	c.SetRetryOptions(adapters.RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	if _, err := c.AddComment(context.Background(), "PROJ-1", "x"); err == nil {
		t.Error("expected the 502 to be returned")
	}
	if posts != 1 {
		t.Errorf("posts = %d, want 1", posts)
	}
}

func TestAddCommentRetriesRateLimit(t *testing.T) {
	posts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		if posts == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "u", testutil.FakeJiraAPIToken, PlatformCloud)
	c.SetRetryOptions(adapters.RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	comment, err := c.AddComment(context.Background(), "PROJ-1", "x")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if comment.ID != "10001" || posts != 2 {
		t.Errorf("comment = %+v, posts = %d", comment, posts)
	}
}

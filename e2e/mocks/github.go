package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/hookpilot/internal/adapters/github"
)

// Reaction is an emoji reaction added to a comment.
type Reaction struct {
	Repo      string
	CommentID int64
	Content   string
}

// GitHubMock provides a mock GitHub API server for E2E testing.
// It records the comments and reactions the bot posts.
type GitHubMock struct {
	server      *httptest.Server
	mu          sync.RWMutex
	comments    map[int][]github.Comment // keyed by issue or PR number
	reactions   []Reaction
	nextComment int64

	// Callbacks for test assertions
	OnCommentCreated func(issueNum int, comment github.Comment)
}

// NewGitHubMock creates a new mock GitHub API server. Comment ids start at
// 900001 so they never collide with ids used in webhook payloads.
func NewGitHubMock() *GitHubMock {
	m := &GitHubMock{
		comments:    make(map[int][]github.Comment),
		nextComment: 900001,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

// URL returns the base URL of the mock server.
func (m *GitHubMock) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *GitHubMock) Close() {
	m.server.Close()
}

// Comments returns the comments posted on issue or PR num.
func (m *GitHubMock) Comments(num int) []github.Comment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]github.Comment(nil), m.comments[num]...)
}

// Reactions returns every reaction added so far.
func (m *GitHubMock) Reactions() []Reaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Reaction(nil), m.reactions...)
}

func (m *GitHubMock) handleRequest(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	// POST /repos/{owner}/{repo}/issues/comments/{id}/reactions
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/reactions"):
		m.handleAddReaction(w, r)

	// POST /repos/{owner}/{repo}/issues/{number}/comments
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/comments"):
		m.handleCreateComment(w, r)

	// GET /user
	case r.Method == http.MethodGet && path == "/user":
		writeJSON(w, http.StatusOK, github.User{Login: "hookpilot-bot"})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *GitHubMock) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	num := m.extractIssueNumber(r.URL.Path)

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	comment := github.Comment{
		ID:        m.nextComment,
		Body:      req.Body,
		User:      github.User{Login: "hookpilot-bot"},
		CreatedAt: time.Now(),
	}
	m.nextComment++
	m.comments[num] = append(m.comments[num], comment)
	callback := m.OnCommentCreated
	m.mu.Unlock()

	if callback != nil {
		callback(num, comment)
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (m *GitHubMock) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// /repos/owner/repo/issues/comments/123/reactions
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 7 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, _ := strconv.ParseInt(parts[5], 10, 64)

	m.mu.Lock()
	m.reactions = append(m.reactions, Reaction{Repo: parts[1] + "/" + parts[2], CommentID: id, Content: req.Content})
	n := len(m.reactions)
	m.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"id": n, "content": req.Content})
}

func (m *GitHubMock) extractIssueNumber(path string) int {
	// /repos/owner/repo/issues/123/comments
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "issues" && i+1 < len(parts) {
			num, _ := strconv.Atoi(parts[i+1])
			return num
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

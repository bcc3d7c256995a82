package payload

import (
	"encoding/json"
	"fmt"
	"strings"
)

type githubUser struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Type  string `json:"type"`
}

type githubApp struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
}

type githubWire struct {
	Action string `json:"action"`
	Issue  *struct {
		Number      int             `json:"number"`
		Title       string          `json:"title"`
		Body        string          `json:"body"`
		PullRequest json.RawMessage `json:"pull_request,omitempty"`
	} `json:"issue,omitempty"`
	PullRequest *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"pull_request,omitempty"`
	Comment *struct {
		ID                    int64      `json:"id"`
		Body                  string     `json:"body"`
		User                  githubUser `json:"user"`
		PerformedViaGitHubApp *githubApp `json:"performed_via_github_app,omitempty"`
	} `json:"comment,omitempty"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository,omitempty"`
	Sender githubUser `json:"sender"`
}

// GitHubEvent is an issue, pull request or comment webhook.
type GitHubEvent struct {
	EventKind string
	Action    string
	Repo      string // owner/name
	Number    int
	IsPR      bool
	Title     string
	Body      string
	CommentID int64
	Author    githubUser
	AppID     int64
	Sender    githubUser

	raw json.RawMessage
}

func newGitHubEvent(kind string, w *githubWire, raw json.RawMessage) *GitHubEvent {
	e := &GitHubEvent{EventKind: kind, Action: w.Action, Sender: w.Sender, raw: raw}
	if w.Repository != nil {
		e.Repo = w.Repository.FullName
	}
	if w.Issue != nil {
		e.Number = w.Issue.Number
		e.Title = w.Issue.Title
		e.Body = w.Issue.Body
		e.IsPR = len(w.Issue.PullRequest) > 0 && string(w.Issue.PullRequest) != "null"
	}
	if w.PullRequest != nil {
		e.Number = w.PullRequest.Number
		e.Title = w.PullRequest.Title
		e.Body = w.PullRequest.Body
		e.IsPR = true
	}
	e.Author = w.Sender
	if w.Comment != nil {
		e.CommentID = w.Comment.ID
		e.Body = w.Comment.Body
		e.Author = w.Comment.User
		if w.Comment.PerformedViaGitHubApp != nil {
			e.AppID = w.Comment.PerformedViaGitHubApp.ID
		}
	}
	if e.EventKind == "" {
		e.EventKind = inferGitHubKind(w)
	}
	return e
}

func inferGitHubKind(w *githubWire) string {
	switch {
	case w.Comment != nil && w.Issue != nil:
		return "issue_comment"
	case w.Comment != nil:
		return "pull_request_review_comment"
	case w.PullRequest != nil:
		return "pull_request"
	case w.Issue != nil:
		return "issues"
	}
	return ""
}

func (e *GitHubEvent) Provider() Provider   { return GitHub }
func (e *GitHubEvent) Kind() string         { return e.EventKind }
func (e *GitHubEvent) Text() string         { return e.Body }
func (e *GitHubEvent) PlatformID() string   { return itoa64(e.CommentID) }
func (e *GitHubEvent) Actor() string        { return e.Author.Login }
func (e *GitHubEvent) Raw() json.RawMessage { return e.raw }

func (e *GitHubEvent) Identities() []string {
	return nonEmpty(e.Author.Login, itoa64(e.Author.ID), itoa64(e.AppID))
}

func (e *GitHubEvent) IsBot() bool {
	return strings.EqualFold(e.Author.Type, "Bot") || strings.HasSuffix(e.Author.Login, "[bot]")
}

func (e *GitHubEvent) Object() string {
	if e.Repo == "" {
		return ""
	}
	return fmt.Sprintf("%s#%d", e.Repo, e.Number)
}

func (e *GitHubEvent) Routing() Routing {
	r := Routing{Provider: GitHub, Repo: e.Repo, Number: e.Number, IsPR: e.IsPR}
	if e.IsPR {
		r.PRNumber = e.Number
	}
	return r
}

// Owner and Name split Repo.
func (e *GitHubEvent) Owner() string {
	owner, _, _ := strings.Cut(e.Repo, "/")
	return owner
}

func (e *GitHubEvent) Name() string {
	_, name, _ := strings.Cut(e.Repo, "/")
	return name
}

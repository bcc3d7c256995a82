package payload

import (
	"encoding/json"
	"strings"
)

type jiraUser struct {
	AccountID   string `json:"accountId"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type jiraWire struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        *struct {
		Key    string `json:"key"`
		Fields struct {
			Summary     string          `json:"summary"`
			Description json.RawMessage `json:"description"`
		} `json:"fields"`
	} `json:"issue,omitempty"`
	Comment *struct {
		ID     string          `json:"id"`
		Body   json.RawMessage `json:"body"`
		Author jiraUser        `json:"author"`
	} `json:"comment,omitempty"`
	User *jiraUser `json:"user,omitempty"`
}

// JiraEvent is an issue or comment webhook from Jira Cloud or Server.
type JiraEvent struct {
	EventKind string
	IssueKey  string
	Summary   string
	Body      string
	CommentID string
	Author    jiraUser

	raw json.RawMessage
}

func newJiraEvent(kind string, w *jiraWire, raw json.RawMessage) *JiraEvent {
	e := &JiraEvent{EventKind: w.WebhookEvent, raw: raw}
	if kind != "" {
		e.EventKind = kind
	}
	if w.Issue != nil {
		e.IssueKey = w.Issue.Key
		e.Summary = w.Issue.Fields.Summary
		e.Body = richText(w.Issue.Fields.Description)
	}
	if w.User != nil {
		e.Author = *w.User
	}
	if w.Comment != nil {
		e.CommentID = w.Comment.ID
		e.Body = richText(w.Comment.Body)
		e.Author = w.Comment.Author
	}
	return e
}

func (e *JiraEvent) Provider() Provider   { return Jira }
func (e *JiraEvent) Kind() string         { return e.EventKind }
func (e *JiraEvent) Text() string         { return e.Body }
func (e *JiraEvent) PlatformID() string   { return e.CommentID }
func (e *JiraEvent) Object() string       { return e.IssueKey }
func (e *JiraEvent) IsBot() bool          { return false }
func (e *JiraEvent) Raw() json.RawMessage { return e.raw }

func (e *JiraEvent) Actor() string {
	if e.Author.DisplayName != "" {
		return e.Author.DisplayName
	}
	return e.Author.AccountID
}

func (e *JiraEvent) Identities() []string {
	return nonEmpty(e.Author.AccountID, e.Author.Name)
}

func (e *JiraEvent) Routing() Routing {
	return Routing{Provider: Jira, TicketKey: e.IssueKey}
}

// richText accepts either a wiki-markup string (Server, REST v2) or an
// Atlassian Document Format tree (Cloud, REST v3) and returns plain text.
func richText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var node adfNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}
	var sb strings.Builder
	node.writeText(&sb)
	return strings.TrimSpace(sb.String())
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

func (n *adfNode) writeText(sb *strings.Builder) {
	sb.WriteString(n.Text)
	for i := range n.Content {
		n.Content[i].writeText(sb)
	}
	switch n.Type {
	case "paragraph", "heading", "listItem", "codeBlock", "hardBreak":
		sb.WriteString("\n")
	}
}

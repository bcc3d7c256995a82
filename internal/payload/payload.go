// Package payload decodes inbound webhook bodies from GitHub, Jira and Slack
// into one typed Event per provider. The raw body stays available for fields
// nothing here models.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Provider names a webhook source. The values double as completion handler
// names and idempotency key prefixes.
type Provider string

const (
	GitHub Provider = "github"
	Jira   Provider = "jira"
	Slack  Provider = "slack"
)

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case GitHub, Jira, Slack:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Event is the provider-neutral view of one decoded webhook.
type Event interface {
	Provider() Provider
	// Kind is the provider's event name, e.g. "issue_comment", "comment_created", "app_mention".
	Kind() string
	// Text is the user-authored text that may contain a command.
	Text() string
	// PlatformID identifies the triggering comment or message; it is what the
	// idempotency guard checks against markers set by earlier posts.
	PlatformID() string
	// Actor is the account that produced the event, for display.
	Actor() string
	// Identities lists every account, user and app id attached to the event.
	// The idempotency guard compares them with the bot's own identities.
	Identities() []string
	// IsBot reports provider-level bot signals.
	IsBot() bool
	// Object is a short human label for the external object ("owner/repo#12", "PROJ-7").
	Object() string
	// Routing returns where a reply should be posted.
	Routing() Routing
	// Raw returns the undecoded body.
	Raw() json.RawMessage
}

// Routing is everything a completion handler needs to post back. It is
// persisted in task metadata.
type Routing struct {
	Provider Provider `json:"source"`

	// GitHub
	Repo     string `json:"repo,omitempty"`
	Number   int    `json:"number,omitempty"`
	IsPR     bool   `json:"is_pr,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`

	// Jira
	TicketKey string `json:"ticket_key,omitempty"`

	// Slack
	Channel  string `json:"channel,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// Decode parses body for provider. kind is the provider event name when it is
// carried out of band (GitHub's X-GitHub-Event header); it may be empty.
func Decode(provider Provider, kind string, body []byte) (Event, error) {
	raw := json.RawMessage(append([]byte(nil), body...))
	switch provider {
	case GitHub:
		var w githubWire
		if err := json.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("decode github payload: %w", err)
		}
		return newGitHubEvent(kind, &w, raw), nil
	case Jira:
		var w jiraWire
		if err := json.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("decode jira payload: %w", err)
		}
		return newJiraEvent(kind, &w, raw), nil
	case Slack:
		var w slackWire
		if err := json.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("decode slack payload: %w", err)
		}
		return newSlackEvent(&w, raw), nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

func itoa64(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

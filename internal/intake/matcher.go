package intake

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode"

	"github.com/alekspetrov/hookpilot/internal/payload"
)

// ErrNoCommand means the event asks for nothing.
var ErrNoCommand = errors.New("no command")

// slackMention is a leading "<@U123>" or "<@U123|name>" in app_mention text.
var slackMention = regexp.MustCompile(`^\s*<@[A-Z0-9]+(\|[^>]*)?>\s*`)

// Command is a configured command with its parsed prompt.
type Command struct {
	Name             string
	Aliases          []string
	Description      string
	RequiresApproval bool

	prompt *template.Template
}

// PromptData is the template input of a command prompt.
type PromptData struct {
	Command  string
	Content  string
	Provider string
	Kind     string
	Object   string
	Actor    string
	Title    string
	History  string
}

// Render executes the command's prompt template.
func (c *Command) Render(data PromptData) (string, error) {
	return execute(c.prompt, data)
}

// Match is a matched command and the text that follows it.
type Match struct {
	Command *Command
	Content string
}

// Matcher finds commands in event text.
type Matcher struct {
	triggers []string
	commands []*Command
	byName   map[string]*Command
	fallback *Command
	opened   *Command
}

// NewMatcher parses every command prompt in cfg.
func NewMatcher(cfg *Config) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Matcher{byName: make(map[string]*Command)}
	for _, t := range append([]string{cfg.Trigger}, cfg.TriggerAliases...) {
		if t = strings.TrimSpace(t); t != "" {
			m.triggers = append(m.triggers, strings.ToLower(t))
		}
	}
	for _, cc := range cfg.Commands {
		text := cc.Prompt
		if text == "" {
			text = DefaultPrompt
		}
		tmpl, err := template.New(cc.Name).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("intake: parse %s prompt: %w", cc.Name, err)
		}
		cmd := &Command{
			Name:             cc.Name,
			Aliases:          cc.Aliases,
			Description:      cc.Description,
			RequiresApproval: cc.RequiresApproval,
			prompt:           tmpl,
		}
		m.commands = append(m.commands, cmd)
		for _, name := range append([]string{cc.Name}, cc.Aliases...) {
			m.byName[strings.ToLower(name)] = cmd
		}
	}
	m.fallback = m.byName[strings.ToLower(cfg.FallbackCommand)]
	m.opened = m.byName[strings.ToLower(cfg.DefaultCommand)]
	return m, nil
}

// Commands returns the configured commands in declaration order.
func (m *Matcher) Commands() []*Command { return m.commands }

// Lookup returns a command by name or alias.
func (m *Matcher) Lookup(name string) (*Command, bool) {
	cmd, ok := m.byName[strings.ToLower(name)]
	return cmd, ok
}

// Match finds the command ev asks for. Slack app mentions count as
// triggered. Newly opened issues and pull requests match the default
// command. It returns ErrNoCommand otherwise.
func (m *Matcher) Match(ev payload.Event) (*Match, error) {
	text := strings.TrimSpace(ev.Text())

	if ev.Provider() == payload.Slack && ev.Kind() == "app_mention" {
		if rest, ok := m.afterTrigger(text); ok {
			return m.command(rest)
		}
		return m.command(slackMention.ReplaceAllString(text, ""))
	}
	if rest, ok := m.afterTrigger(text); ok {
		return m.command(rest)
	}
	if m.opened != nil && isOpened(ev) {
		return &Match{Command: m.opened, Content: text}, nil
	}
	return nil, ErrNoCommand
}

// afterTrigger returns the text after the first trigger that starts a word.
func (m *Matcher) afterTrigger(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, trig := range m.triggers {
		from := 0
		for {
			i := strings.Index(lower[from:], trig)
			if i < 0 {
				break
			}
			start, end := from+i, from+i+len(trig)
			if wordStart(lower, start) && wordEnd(lower, end) {
				return strings.TrimSpace(text[end:]), true
			}
			from = end
		}
	}
	return "", false
}

func (m *Matcher) command(rest string) (*Match, error) {
	name, content, _ := strings.Cut(rest, " ")
	if i := strings.IndexAny(name, "\n\t"); i >= 0 {
		content = name[i+1:] + " " + content
		name = name[:i]
	}
	if cmd, ok := m.byName[strings.ToLower(strings.TrimRight(name, ":,"))]; ok {
		return &Match{Command: cmd, Content: strings.TrimSpace(content)}, nil
	}
	if m.fallback != nil && strings.TrimSpace(rest) != "" {
		return &Match{Command: m.fallback, Content: strings.TrimSpace(rest)}, nil
	}
	return nil, ErrNoCommand
}

func wordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	r := rune(s[i-1])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
}

func wordEnd(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r := rune(s[i])
	return unicode.IsSpace(r) || r == ':' || r == ','
}

func isOpened(ev payload.Event) bool {
	switch e := ev.(type) {
	case *payload.GitHubEvent:
		return e.CommentID == 0 && e.Action == "opened" && (e.EventKind == "issues" || e.EventKind == "pull_request")
	case *payload.JiraEvent:
		return e.CommentID == "" && e.EventKind == "jira:issue_created"
	}
	return false
}

// Package intake turns a verified webhook event into a queued task: it
// matches the command, correlates the event with its conversation, renders
// the prompt and pushes the task id onto the queue.
package intake

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTrigger starts a command in comments and messages.
const DefaultTrigger = "@agent"

// DefaultPrompt is used by commands without a prompt template.
const DefaultPrompt = `{{if .History}}{{.History}}
{{end}}{{.Content}}`

// CommandConfig declares one command.
type CommandConfig struct {
	Name             string   `yaml:"name"`
	Aliases          []string `yaml:"aliases,omitempty"`
	Description      string   `yaml:"description,omitempty"`
	Prompt           string   `yaml:"prompt,omitempty"` // text/template over PromptData
	RequiresApproval bool     `yaml:"requires_approval,omitempty"`
}

// ApprovalConfig holds the prompts of tasks created from approval buttons.
type ApprovalConfig struct {
	ApprovePrompt string `yaml:"approve_prompt"`
	ReviewPrompt  string `yaml:"review_prompt"`
}

// Config configures matching and task creation.
type Config struct {
	Trigger        string          `yaml:"trigger"`
	TriggerAliases []string        `yaml:"trigger_aliases,omitempty"`
	Commands       []CommandConfig `yaml:"commands"`
	// FallbackCommand runs when the trigger is followed by text that names no
	// command. Empty means such comments are ignored.
	FallbackCommand string `yaml:"fallback_command,omitempty"`
	// DefaultCommand runs for newly opened issues and pull requests. Empty
	// means those events are ignored.
	DefaultCommand  string           `yaml:"default_command,omitempty"`
	HistoryMessages int              `yaml:"history_messages"`
	Approval        ApprovalConfig   `yaml:"approval"`
	RateLimit       *RateLimitConfig `yaml:"rate_limit"`
}

// DefaultConfig returns the stock command set.
func DefaultConfig() *Config {
	return &Config{
		Trigger:         DefaultTrigger,
		FallbackCommand: "ask",
		HistoryMessages: 10,
		Commands: []CommandConfig{
			{Name: "ask", Aliases: []string{"question", "q"}, Description: "Answer a question about the code"},
			{
				Name:        "review",
				Aliases:     []string{"cr"},
				Description: "Review the pull request",
				Prompt: `{{if .History}}{{.History}}
{{end}}Review {{.Object}} and report problems with concrete file and line references.
{{with .Content}}Focus: {{.}}{{end}}`,
			},
			{
				Name:        "fix",
				Description: "Fix the reported problem and open a pull request",
				Prompt: `{{if .History}}{{.History}}
{{end}}Fix the problem described in {{.Object}}.
{{.Content}}`,
			},
			{
				Name:             "plan",
				Description:      "Propose an implementation plan for approval",
				RequiresApproval: true,
				Prompt: `{{if .History}}{{.History}}
{{end}}Write an implementation plan for {{.Object}}. Do not change any files.
End with "## Summary", "## What Was Done" and "## Key Insights" sections.
{{.Content}}`,
			},
			{Name: "analyze", Aliases: []string{"triage"}, Description: "Analyze and classify the issue"},
		},
		Approval: ApprovalConfig{
			ApprovePrompt: `{{if .History}}{{.History}}
{{end}}The plan above was approved by {{.Actor}}. Implement it now.`,
			ReviewPrompt: `{{if .History}}{{.History}}
{{end}}{{.Actor}} asked for a closer review of the plan above. List its risks and open questions before any implementation.`,
		},
		RateLimit: DefaultRateLimitConfig(),
	}
}

// Validate checks names and references.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Trigger) == "" {
		return errors.New("intake: trigger is required")
	}
	if len(c.Commands) == 0 {
		return errors.New("intake: at least one command is required")
	}
	seen := make(map[string]string)
	for _, cmd := range c.Commands {
		if cmd.Name == "" {
			return errors.New("intake: command without a name")
		}
		for _, name := range append([]string{cmd.Name}, cmd.Aliases...) {
			key := strings.ToLower(name)
			if owner, dup := seen[key]; dup {
				return fmt.Errorf("intake: %q is used by both %s and %s", name, owner, cmd.Name)
			}
			seen[key] = cmd.Name
		}
	}
	for _, ref := range []string{c.FallbackCommand, c.DefaultCommand} {
		if ref != "" && seen[strings.ToLower(ref)] == "" {
			return fmt.Errorf("intake: unknown command %q", ref)
		}
	}
	if c.HistoryMessages < 0 {
		return errors.New("intake: history_messages must not be negative")
	}
	return nil
}

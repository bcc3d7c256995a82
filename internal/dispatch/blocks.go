package dispatch

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/payload"
)

var sourceNames = map[payload.Provider]string{
	payload.GitHub: "GitHub",
	payload.Jira:   "Jira",
	payload.Slack:  "Slack",
}

// SourceTitle is the display name of a provider.
func SourceTitle(p payload.Provider) string {
	if name, ok := sourceNames[p]; ok {
		return name
	}
	return cases.Title(language.English).String(string(p))
}

// BuildCompletionBlocks renders the Block Kit body of a Slack completion
// post. Approval buttons are added when c.RequiresApproval and signer is set.
func (d *Dispatcher) BuildCompletionBlocks(c *Completion) []any {
	var blocks []any

	command := c.Command
	if command == "" {
		command = "task"
	}
	if c.Success {
		blocks = append(blocks, slack.Header("📋 Task Complete: "+command))
	} else {
		blocks = append(blocks, slack.Header("❌ Task Failed: "+command))
	}

	text := c.Message
	if !c.Success && c.Error != "" {
		text = c.Error
	}
	sum := ExtractSummary(text)
	summary := "*Summary:* " + sum.Summary
	if sum.Classification != "" && sum.Classification != "SIMPLE" {
		summary += "\n*Classification:* " + sum.Classification
	}
	blocks = append(blocks, slack.Section(summary))
	if sum.WhatWasDone != "" {
		blocks = append(blocks, slack.Section("*What was done:* "+sum.WhatWasDone))
	}
	if sum.KeyInsights != "" {
		blocks = append(blocks, slack.Section("*Key insights:* "+sum.KeyInsights))
	}

	meta := []string{
		"*Source:* " + SourceTitle(c.Routing.Provider),
		"*Task ID:* `" + c.TaskID + "`",
	}
	if cost := FormatCost(c.CostUSD); cost != "" {
		meta = append(meta, "💰 "+cost)
	}
	blocks = append(blocks, slack.Context(meta...))

	var route []string
	if c.Routing.Repo != "" {
		route = append(route, "*Repo:* "+c.Routing.Repo)
	}
	if c.Routing.PRNumber > 0 {
		route = append(route, fmt.Sprintf("*PR:* #%d", c.Routing.PRNumber))
	}
	if c.Routing.TicketKey != "" {
		route = append(route, "*Ticket:* "+c.Routing.TicketKey)
	}
	if len(route) > 0 {
		blocks = append(blocks, slack.Context(strings.Join(route, " | ")))
	}

	if c.RequiresApproval && c.Success {
		if actions, ok := d.approvalButtons(c); ok {
			blocks = append(blocks, actions)
		}
	}
	return blocks
}

func (d *Dispatcher) approvalButtons(c *Completion) (slack.ActionsBlock, bool) {
	if d.signer == nil {
		d.log.Warn("Approval requested but no approval secret configured", slog.String("task_id", c.TaskID))
		return slack.ActionsBlock{}, false
	}
	buttons := []struct {
		label, actionID, action, style string
	}{
		{"✅ Approve", ActionIDApprove, ActionApprove, "primary"},
		{"👀 Review", ActionIDReview, ActionReview, ""},
		{"❌ Reject", ActionIDReject, ActionReject, "danger"},
	}
	block := slack.ActionsBlock{Type: "actions", BlockID: ApprovalBlockID(c.TaskID)}
	for _, b := range buttons {
		value, err := d.signer.Sign(Approval{
			OriginalTaskID: c.TaskID,
			Command:        c.Command,
			Source:         string(c.Routing.Provider),
			Action:         b.action,
			Routing:        c.Routing,
		})
		if err != nil {
			d.log.Warn("Failed to sign approval button", slog.String("task_id", c.TaskID), slog.Any("error", err))
			return slack.ActionsBlock{}, false
		}
		block.Elements = append(block.Elements, slack.Button(b.label, b.actionID, value, b.style))
	}
	return block, true
}

// ApprovalBlockID is the block id of the approval buttons for taskID.
func ApprovalBlockID(taskID string) string {
	return "approval_" + taskID
}

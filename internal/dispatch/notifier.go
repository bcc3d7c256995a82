package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/payload"
)

// NotifyResult is the outcome of an ops notification.
type NotifyResult string

const (
	NotifyPosted           NotifyResult = "posted"
	NotifyFailed           NotifyResult = "failed"
	NotifySkippedNoChannel NotifyResult = "skipped_no_channel"
	NotifySkippedDisabled  NotifyResult = "skipped_disabled"
)

// NotifierConfig selects the ops channels.
type NotifierConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SuccessChannel string `yaml:"success_channel"`
	FailureChannel string `yaml:"failure_channel"`
}

// Notifier posts a one-line summary of every finished task to an ops channel.
type Notifier struct {
	slack  SlackPoster
	marker Marker
	cfg    NotifierConfig
	log    *slog.Logger
}

// NewNotifier returns a notifier. It is disabled when client is nil.
func NewNotifier(client SlackPoster, marker Marker, cfg *NotifierConfig) *Notifier {
	n := &Notifier{slack: client, marker: marker, log: logging.WithComponent("notify")}
	if cfg != nil {
		n.cfg = *cfg
	}
	return n
}

// Notify posts the summary for c. It never fails; the result says what
// happened.
func (n *Notifier) Notify(ctx context.Context, provider payload.Provider, c *Completion) NotifyResult {
	if n == nil || n.slack == nil || !n.cfg.Enabled {
		return NotifySkippedDisabled
	}
	channel := n.cfg.SuccessChannel
	if !c.Success {
		channel = n.cfg.FailureChannel
	}
	if channel == "" {
		n.log.Warn("Ops notification skipped, no channel configured",
			slog.String("task_id", c.TaskID),
			slog.Bool("success", c.Success),
		)
		return NotifySkippedNoChannel
	}

	resp, err := n.slack.PostMessage(ctx, &slack.Message{Channel: channel, Text: NotificationText(provider, c)})
	if err != nil {
		n.log.Warn("Ops notification failed",
			slog.String("task_id", c.TaskID),
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		return NotifyFailed
	}
	if n.marker != nil && resp.TS != "" {
		_ = n.marker.MarkPosted(ctx, payload.Slack, resp.TS)
	}
	return NotifyPosted
}

// NotificationText renders the ops summary line for c.
func NotificationText(provider payload.Provider, c *Completion) string {
	var b strings.Builder
	if c.Success {
		b.WriteString("✅ *Task completed*")
	} else {
		b.WriteString("❌ *Task failed*")
	}
	fmt.Fprintf(&b, " · %s", SourceTitle(provider))
	if c.Command != "" {
		fmt.Fprintf(&b, " · `%s`", c.Command)
	}
	fmt.Fprintf(&b, " · `%s`", c.TaskID)
	if cost := FormatCost(c.CostUSD); cost != "" {
		fmt.Fprintf(&b, " · %s", cost)
	}
	if !c.Success && c.Error != "" {
		fmt.Fprintf(&b, "\n> %s", Preview(c.Error, 300))
	}
	return b.String()
}

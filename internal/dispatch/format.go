package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncateSuffix marks shortened output.
const TruncateSuffix = "\n\n... (truncated)"

// Post-back size limits, in runes.
const (
	SuccessLimit = 4000
	FailureLimit = 8000
)

// boundaryRatio is how far into the kept text a sentence or line break must
// lie to be used as the cut point.
const boundaryRatio = 0.8

// Limit returns the post-back limit for a success or failure.
func Limit(success bool) int {
	if success {
		return SuccessLimit
	}
	return FailureLimit
}

// Truncate shortens text to limit runes, preferring to stop after the last
// period or before the last newline when one lies in the final fifth, and
// appends TruncateSuffix. Text within the limit is returned unchanged.
func Truncate(text string, limit int) string {
	if limit < 0 {
		limit = 0
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	cut := []rune(text)[:limit]

	period, newline := -1, -1
	for i := len(cut) - 1; i >= 0 && (period < 0 || newline < 0); i-- {
		switch cut[i] {
		case '.':
			if period < 0 {
				period = i
			}
		case '\n':
			if newline < 0 {
				newline = i
			}
		}
	}
	at := max(period, newline)
	if at >= 0 && float64(at) > float64(limit)*boundaryRatio {
		if at == period {
			cut = cut[:at+1]
		} else {
			cut = cut[:at]
		}
	}
	return string(cut) + TruncateSuffix
}

// FormatCost renders a USD amount with four decimals, or "" when not positive.
func FormatCost(costUSD float64) string {
	if costUSD <= 0 {
		return ""
	}
	return fmt.Sprintf("$%.4f", costUSD)
}

func statusPrefix(message string, success bool) string {
	if message == "❌" {
		return message
	}
	if success {
		return "✅ " + message
	}
	return "❌ " + message
}

// FormatGitHubComment prefixes the status emoji, truncates to the limit for
// the outcome and appends the cost line on success. Room for the cost line is
// reserved before truncating.
func FormatGitHubComment(message string, success bool, costUSD float64) string {
	body := statusPrefix(message, success)

	var costLine string
	if success && costUSD > 0 {
		costLine = "\n\n💰 Cost: " + FormatCost(costUSD)
	}
	available := Limit(success) - utf8.RuneCountInString(costLine)
	return Truncate(body, available) + costLine
}

// FormatJiraComment renders a plain comment body. Failures are prefixed
// "Task failed:".
func FormatJiraComment(message string, success bool, costUSD float64) string {
	body := message
	if !success {
		body = "Task failed:\n\n" + strings.TrimSpace(message)
	}

	var costLine string
	if success && costUSD > 0 {
		costLine = "\n\nCost: " + FormatCost(costUSD)
	}
	available := Limit(success) - utf8.RuneCountInString(costLine)
	return Truncate(body, available) + costLine
}

// FormatSlackText is the notification fallback text of a Slack post. It is
// the message itself, without a status marker, cut to the channel limit.
func FormatSlackText(message string, success bool) string {
	return Truncate(message, Limit(success))
}

// Preview shortens text for log lines.
func Preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "..."
}

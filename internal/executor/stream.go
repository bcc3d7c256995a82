package executor

import (
	"encoding/json"
	"strings"
)

// StreamEvent is one line of `claude --output-format stream-json`.
type StreamEvent struct {
	Type    string        `json:"type"`
	Subtype string        `json:"subtype,omitempty"`
	Message *AssistantMsg `json:"message,omitempty"`
	// Error is set on assistant events that carry an API-level failure
	// (e.g. "rate_limit", "authentication_failed").
	Error   string          `json:"error,omitempty"`
	Event   *DeltaEnvelope  `json:"event,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Usage   *UsageInfo      `json:"usage,omitempty"`

	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	DurationMS   int      `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
}

// UsageInfo represents token usage in result events.
type UsageInfo struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// AssistantMsg is the message field of assistant and user events.
type AssistantMsg struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one entry of a message's content list.
type ContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// DeltaEnvelope wraps partial-message events emitted with
// --include-partial-messages.
type DeltaEnvelope struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

// Cost returns total_cost_usd, falling back to cost_usd.
func (e *StreamEvent) Cost() float64 {
	switch {
	case e.TotalCostUSD != nil:
		return *e.TotalCostUSD
	case e.CostUSD != nil:
		return *e.CostUSD
	}
	return 0
}

// TextContent returns Content as a string when it is a JSON string.
func (e *StreamEvent) TextContent() string {
	return flattenContent(e.Content)
}

// ResultText returns the body of a tool_result block. The CLI sends either a
// plain string or a list of {"type":"text","text":...} parts.
func (b *ContentBlock) ResultText() string {
	return flattenContent(b.Content)
}

func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

// toolArgKeys are checked in order to summarize a tool_use block in one line.
var toolArgKeys = []string{"command", "file_path", "pattern", "url", "query", "description"}

// toolSummary formats a tool_use block for the diagnostic transcript.
func toolSummary(b ContentBlock) string {
	name := b.Name
	if name == "" {
		name = "unknown"
	}
	line := "\n[TOOL] Using " + name + "\n"
	for _, key := range toolArgKeys {
		v, ok := b.Input[key].(string)
		if !ok || v == "" {
			continue
		}
		if key == "command" {
			return line + "  Command: " + v + "\n"
		}
		if key == "description" {
			return line + "  " + v + "\n"
		}
		return line + "  " + key + ": " + v + "\n"
	}
	return line
}

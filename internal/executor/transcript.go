package executor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/hookpilot/internal/sensitive"
)

// transcript accumulates output from both stream readers and forwards
// diagnostic chunks to the caller's channel.
type transcript struct {
	mu          sync.Mutex
	output      strings.Builder
	clean       strings.Builder
	stderr      []string
	cost        float64
	inputTokens int64
	outTokens   int64
	explicitErr string
	resultErr   bool

	out       chan<- string
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

func newTranscript(out chan<- string) *transcript {
	return &transcript{out: out, stop: make(chan struct{})}
}

// emit forwards a chunk unless the run has been abandoned.
func (t *transcript) emit(chunk string) {
	if t.out == nil || chunk == "" {
		return
	}
	select {
	case t.out <- chunk:
	case <-t.stop:
	}
}

// abandon unblocks pending sends once the process is being killed.
func (t *transcript) abandon() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *transcript) close() {
	t.abandon()
	t.closeOnce.Do(func() {
		if t.out != nil {
			close(t.out)
		}
	})
}

func (t *transcript) diag(chunk string) {
	t.mu.Lock()
	t.output.WriteString(chunk)
	t.mu.Unlock()
	t.emit(chunk)
}

func (t *transcript) text(chunk string) {
	t.mu.Lock()
	t.output.WriteString(chunk)
	t.clean.WriteString(chunk)
	t.mu.Unlock()
	t.emit(chunk)
}

func (t *transcript) stderrLine(line string) {
	t.mu.Lock()
	t.stderr = append(t.stderr, line)
	t.mu.Unlock()
	t.diag("[LOG] " + line + "\n")
}

func (t *transcript) setError(msg string, resultLevel bool) {
	t.mu.Lock()
	t.explicitErr = msg
	if resultLevel {
		t.resultErr = true
	}
	t.mu.Unlock()
}

func (t *transcript) hasResultError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultErr
}

// handle applies one parsed stream event.
func (t *transcript) handle(ev *StreamEvent, log *slog.Logger) {
	switch ev.Type {
	case "init":
		t.diag(ev.TextContent())
	case "system":
		if ev.Subtype == "init" {
			banner := "[CLI] Session initialized"
			if ev.Model != "" {
				banner += " (model: " + ev.Model + ")"
			}
			t.diag(banner + "\n")
		}
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				if ev.Error != "" {
					t.setError(fmt.Sprintf("%s (error type: %s)", block.Text, ev.Error), false)
					continue
				}
				log.Debug("assistant text", slog.String("text", truncateForLog(block.Text, 500)))
				t.text(block.Text)
			case "tool_use":
				log.Info("tool use", slog.String("tool", block.Name))
				t.diag(toolSummary(block))
			}
		}
	case "user":
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			content := block.ResultText()
			if content == "" {
				continue
			}
			if sensitive.ContainsSensitive(content) {
				log.Info("tool result redacted", slog.Any("kinds", sensitive.Kinds(content)))
				content = sensitive.Redact(content)
			}
			prefix := "[TOOL RESULT]\n"
			if block.IsError {
				prefix = "[TOOL ERROR] "
			}
			log.Debug("tool result",
				slog.Bool("is_error", block.IsError),
				slog.String("preview", summarizeToolResult(content)),
			)
			t.diag(prefix + content + "\n")
		}
	case "stream_event":
		if ev.Event == nil || ev.Event.Type != "content_block_delta" || ev.Event.Delta == nil {
			return
		}
		if ev.Event.Delta.Type == "text_delta" && ev.Event.Delta.Text != "" {
			t.text(ev.Event.Delta.Text)
		}
	case "message":
		if content := ev.TextContent(); content != "" {
			if ev.Role != "" {
				t.diag(fmt.Sprintf("[%s]: %s\n", ev.Role, content))
			} else {
				t.diag(content + "\n")
			}
		}
	case "content":
		t.diag(ev.TextContent())
	case "result":
		t.mu.Lock()
		t.cost = ev.Cost()
		if ev.Usage != nil {
			t.inputTokens = ev.Usage.InputTokens
			t.outTokens = ev.Usage.OutputTokens
		}
		t.mu.Unlock()
		if ev.Result == "" {
			if ev.IsError {
				t.setError("CLI reported an error result", true)
			}
			return
		}
		if ev.IsError {
			t.setError(ev.Result, true)
			return
		}
		t.diag(ev.Result)
	}
}

// result snapshots the accumulated state. Error fields are filled in by Run.
func (t *transcript) result() *CLIResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &CLIResult{
		Output:       t.output.String(),
		CleanOutput:  t.clean.String(),
		CostUSD:      t.cost,
		InputTokens:  t.inputTokens,
		OutputTokens: t.outTokens,
	}
}

// errorMessage picks the failure text for a finished, non-successful run:
// explicit CLI error, then meaningful stderr with the exit code, then the exit
// code alone.
func (t *transcript) errorMessage(exitCode int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.explicitErr != "" {
		return t.explicitErr
	}
	if len(t.stderr) > 0 {
		var cleaned []string
		for _, line := range t.stderr {
			if strings.HasPrefix(line, "[LOG]") || strings.TrimSpace(line) == "" {
				continue
			}
			cleaned = append(cleaned, line)
		}
		text := strings.Join(t.stderr, "\n")
		if len(cleaned) > 0 {
			text = strings.Join(cleaned, "\n")
		}
		return fmt.Sprintf("%s\n\n(Exit code: %d)", text, exitCode)
	}
	return fmt.Sprintf("Exit code: %d", exitCode)
}

func (t *transcript) stderrPreview(n int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.stderr
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return sensitive.Redact(strings.Join(lines, "\n"))
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// writeTaskLog stores the full transcript of a run under dir.
func writeTaskLog(dir, taskID string, res *CLIResult) (string, error) {
	if dir == "" {
		dir = ".log"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(taskID)+".log")

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", taskID)
	fmt.Fprintf(&b, "Success: %t\n", res.Success)
	fmt.Fprintf(&b, "Cost USD: %.4f\n", res.CostUSD)
	fmt.Fprintf(&b, "Input Tokens: %d\n", res.InputTokens)
	fmt.Fprintf(&b, "Output Tokens: %d\n", res.OutputTokens)
	fmt.Fprintf(&b, "Duration: %s\n", res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(&b, "\nError: %s\n", res.Error)
	}
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(&b, "\n%s\nFULL OUTPUT:\n%s\n\n%s", rule, rule, res.Output)

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write task log: %w", err)
	}
	return path, nil
}

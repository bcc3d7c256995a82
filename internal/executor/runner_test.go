package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/hookpilot/internal/testutil"
)

// fakeCLI writes an executable shell script standing in for the claude binary.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

// collect drains out until it is closed and returns everything received.
func collect(out <-chan string) <-chan []string {
	done := make(chan []string, 1)
	go func() {
		var chunks []string
		for c := range out {
			chunks = append(chunks, c)
		}
		done <- chunks
	}()
	return done
}

func runFake(t *testing.T, cfg *Config, opts RunOptions) (*CLIResult, []string) {
	t.Helper()
	out := make(chan string, 16)
	opts.Output = out
	chunks := collect(out)

	res := NewRunner(cfg).Run(context.Background(), opts)

	select {
	case got := <-chunks:
		return res, got
	case <-time.After(5 * time.Second):
		t.Fatal("output channel was not closed")
		return nil, nil
	}
}

const happyStream = `cat <<'EOF'
{"type":"system","subtype":"init","model":"claude-sonnet-4-5"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"GITHUB_TOKEN=ghp_leaky"}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"no such file"}],"is_error":true}]}}
{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}}
not json at all
{"type":"result","subtype":"success","result":"final answer","total_cost_usd":0.0123,"usage":{"input_tokens":1500,"output_tokens":320}}
EOF`

func TestRunSuccess(t *testing.T) {
	cfg := &Config{Command: fakeCLI(t, happyStream)}

	res, chunks := runFake(t, cfg, RunOptions{Prompt: "say hi", TaskID: "task-000000000001"})

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Error != "" {
		t.Errorf("Error = %q, want empty", res.Error)
	}
	if res.CleanOutput != "Hello world" {
		t.Errorf("CleanOutput = %q, want %q", res.CleanOutput, "Hello world")
	}
	if res.CostUSD != 0.0123 {
		t.Errorf("CostUSD = %v, want 0.0123", res.CostUSD)
	}
	if res.InputTokens != 1500 || res.OutputTokens != 320 {
		t.Errorf("tokens = %d/%d, want 1500/320", res.InputTokens, res.OutputTokens)
	}

	for _, want := range []string{
		"[CLI] Process started (PID: ",
		"[CLI] Session initialized (model: claude-sonnet-4-5)",
		"[TOOL] Using Bash\n  Command: ls -la\n",
		"[TOOL RESULT]\nGITHUB_TOKEN=***REDACTED***\n",
		"[TOOL ERROR] no such file\n",
		"not json at all\n",
		"final answer",
	} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("Output missing %q\n%s", want, res.Output)
		}
	}
	if strings.Contains(res.Output, "ghp_leaky") {
		t.Error("Output leaked an unredacted token")
	}
	if strings.Contains(res.CleanOutput, "[TOOL]") || strings.Contains(res.CleanOutput, "final answer") {
		t.Errorf("CleanOutput contains diagnostic text: %q", res.CleanOutput)
	}
	if got := strings.Join(chunks, ""); got != res.Output {
		t.Errorf("streamed chunks differ from Output\nstreamed: %q\n  output: %q", got, res.Output)
	}
}

func TestRunNonZeroExitUsesStderr(t *testing.T) {
	cfg := &Config{Command: fakeCLI(t, `echo boom >&2
exit 2`)}

	res, chunks := runFake(t, cfg, RunOptions{Prompt: "x"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "boom\n\n(Exit code: 2)" {
		t.Errorf("Error = %q", res.Error)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if !strings.Contains(strings.Join(chunks, ""), "[LOG] boom\n") {
		t.Errorf("stderr line not streamed: %q", chunks)
	}
}

func TestRunErrorPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{
			name:   "exit code only",
			script: "exit 3",
			want:   "Exit code: 3",
		},
		{
			name: "log-prefixed stderr is noise",
			script: `echo "[LOG] warming up" >&2
echo "real failure" >&2
exit 1`,
			want: "real failure\n\n(Exit code: 1)",
		},
		{
			name: "only noise keeps full stderr",
			script: `echo "[LOG] warming up" >&2
exit 1`,
			want: "[LOG] warming up\n\n(Exit code: 1)",
		},
		{
			name: "explicit error beats stderr",
			script: `echo '{"type":"assistant","error":"rate_limit","message":{"content":[{"type":"text","text":"Too many requests"}]}}'
echo "stack trace" >&2
exit 1`,
			want: "Too many requests (error type: rate_limit)",
		},
		{
			name: "result-level error with zero exit",
			script: `echo '{"type":"result","is_error":true,"result":"Max turns reached","total_cost_usd":0.5}'
exit 0`,
			want: "Max turns reached",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Command: fakeCLI(t, tt.script)}
			res, _ := runFake(t, cfg, RunOptions{Prompt: "x"})
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error != tt.want {
				t.Errorf("Error = %q, want %q", res.Error, tt.want)
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	cfg := &Config{Command: fakeCLI(t, `echo started
sleep 30`)}

	start := time.Now()
	res, chunks := runFake(t, cfg, RunOptions{Prompt: "x", Timeout: time.Second})

	if res.Success || !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.Error != "Timeout after 1s" {
		t.Errorf("Error = %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run took %v, subprocess was not killed", elapsed)
	}
	if !strings.Contains(strings.Join(chunks, ""), "started") {
		t.Errorf("output before timeout was lost: %q", chunks)
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := &Config{Command: fakeCLI(t, "sleep 30")}
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string, 4)
	chunks := collect(out)

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	res := NewRunner(cfg).Run(ctx, RunOptions{Prompt: "x", Output: out})
	<-chunks

	if !res.Cancelled || res.Error != "Cancelled" {
		t.Errorf("expected cancellation, got cancelled=%v error=%q", res.Cancelled, res.Error)
	}
}

func TestRunSpawnFailureClosesOutput(t *testing.T) {
	cfg := &Config{Command: filepath.Join(t.TempDir(), "missing-claude")}

	res, _ := runFake(t, cfg, RunOptions{Prompt: "x"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.HasPrefix(res.Error, "Failed to start ") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestRunSlowConsumerDoesNotBlockTimeout(t *testing.T) {
	cfg := &Config{Command: fakeCLI(t, `while true; do echo line; done`)}
	out := make(chan string) // never read until the run ends

	done := make(chan *CLIResult, 1)
	go func() {
		done <- NewRunner(cfg).Run(context.Background(), RunOptions{Prompt: "x", Timeout: time.Second, Output: out})
	}()

	select {
	case res := <-done:
		if !res.TimedOut {
			t.Errorf("expected timeout, got %q", res.Error)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runner blocked on an unread output channel")
	}
	if _, ok := <-out; ok {
		t.Error("output channel still open after Run returned")
	}
}

func TestRunPassesTaskEnvironment(t *testing.T) {
	cfg := &Config{Command: fakeCLI(t, `echo "{\"type\":\"result\",\"result\":\"$CLAUDE_TASK_ID/$CLAUDE_CODE_DISABLE_BACKGROUND_TASKS\"}"`)}

	res, _ := runFake(t, cfg, RunOptions{Prompt: "x", TaskID: "task-abcdefabcdef"})

	if !strings.Contains(res.Output, "task-abcdefabcdef/1") {
		t.Errorf("Output = %q, want task env", res.Output)
	}
}

func TestBuildArgs(t *testing.T) {
	r := NewRunner(&Config{Model: "claude-opus-4", ExtraArgs: []string{"--max-turns", "5"}})

	args := r.buildArgs(RunOptions{Prompt: "--fix the bug", AllowedTools: "Bash,Read"})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-p --output-format stream-json --verbose --dangerously-skip-permissions --include-partial-messages",
		"--model claude-opus-4",
		"--allowedTools Bash,Read",
		"--max-turns 5",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if n := len(args); args[n-2] != "--" || args[n-1] != "--fix the bug" {
		t.Errorf("prompt must follow --: %v", args)
	}
	if strings.Contains(joined, "--agents") {
		t.Error("--agents should be omitted when unset")
	}
}

func TestRunSavesTaskLog(t *testing.T) {
	logDir := t.TempDir()
	cfg := &Config{
		Command:  fakeCLI(t, `echo '{"type":"result","result":"ok","total_cost_usd":0.01}'`),
		SaveLogs: true,
		LogDir:   logDir,
	}

	runFake(t, cfg, RunOptions{Prompt: "x", TaskID: "task-00000000beef"})

	data, err := os.ReadFile(filepath.Join(logDir, "task-00000000beef.log"))
	if err != nil {
		t.Fatalf("task log not written: %v", err)
	}
	content := string(data)
	for _, want := range []string{"Task ID: task-00000000beef", "Success: true", "Cost USD: 0.0100", "FULL OUTPUT:"} {
		if !strings.Contains(content, want) {
			t.Errorf("task log missing %q", want)
		}
	}
}

func TestToolResultRedactionUsesFixture(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"tool_result","content":"Authorization: Bearer ` + testutil.FakeBearerToken + `"}]}}`
	cfg := &Config{Command: fakeCLI(t, "echo '"+line+"'")}

	res, _ := runFake(t, cfg, RunOptions{Prompt: "x"})

	if strings.Contains(res.Output, testutil.FakeBearerToken) {
		t.Errorf("bearer token leaked into transcript: %q", res.Output)
	}
}

func TestIsAvailable(t *testing.T) {
	if NewRunner(&Config{Command: filepath.Join(t.TempDir(), "nope")}).IsAvailable() {
		t.Error("IsAvailable() = true for a missing binary")
	}
	if !NewRunner(&Config{Command: fakeCLI(t, "exit 0")}).IsAvailable() {
		t.Error("IsAvailable() = false for an executable path")
	}
}

func TestRunOversizedLineKeepsReading(t *testing.T) {
	cfg := &Config{Command: fakeCLI(t, `head -c 5000000 /dev/zero | tr '\0' a
echo
head -c 5000000 /dev/zero | tr '\0' b >&2
echo >&2
echo '{"type":"result","subtype":"success","result":"after big line","total_cost_usd":0.5}'`)}

	start := time.Now()
	res, _ := runFake(t, cfg, RunOptions{Prompt: "x", Timeout: 20 * time.Second})

	if res.TimedOut {
		t.Fatalf("run timed out after an oversized line: %q", res.Error)
	}
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("run took %v", elapsed)
	}
	if res.CostUSD != 0.5 {
		t.Errorf("CostUSD = %v, want 0.5 from the result after the long line", res.CostUSD)
	}
	if !strings.Contains(res.Output, "after big line") {
		t.Errorf("result event after the long line was lost")
	}
	if !strings.Contains(res.Output, "[CLI] dropped oversized line: aaa") {
		t.Errorf("Output missing the dropped-line note")
	}
}

func TestReadLines(t *testing.T) {
	long := strings.Repeat("x", 100)
	input := "one\n" + long + "\ntwo\r\nlast"

	type line struct {
		text      string
		truncated bool
	}
	var got []line
	err := readLines(strings.NewReader(input), 10, func(s string, truncated bool) {
		got = append(got, line{s, truncated})
	})
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}

	want := []line{
		{"one", false},
		{long[:10], true},
		{"two", false},
		{"last", false},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

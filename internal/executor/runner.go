// Package executor drives the claude CLI as a subprocess and turns its
// stream-json output into a CLIResult.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/sensitive"
)

// GracePeriod bounds how long the runner waits for the stream readers to
// drain after the process group has been killed.
const GracePeriod = 5 * time.Second

// DefaultTimeout applies when neither RunOptions nor Config set one.
const DefaultTimeout = 30 * time.Minute

const maxLineSize = 4 * 1024 * 1024

// Config holds runner settings.
type Config struct {
	// Command is the path to the claude CLI (default: "claude").
	Command string `yaml:"command"`
	// ExtraArgs are appended after the built-in flags.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
	// Timeout bounds one run, covering both stream readers.
	Timeout time.Duration `yaml:"timeout"`
	// Model, AllowedTools and Agents are defaults for RunOptions.
	Model        string `yaml:"model,omitempty"`
	AllowedTools string `yaml:"allowed_tools,omitempty"`
	Agents       string `yaml:"agents,omitempty"`
	// WorkingDir is used when RunOptions.WorkingDir is empty.
	WorkingDir string `yaml:"working_dir,omitempty"`
	// SaveLogs writes <LogDir>/<task_id>.log after each run.
	SaveLogs bool   `yaml:"save_logs"`
	LogDir   string `yaml:"log_dir,omitempty"`
}

// DefaultConfig returns runner defaults.
func DefaultConfig() *Config {
	return &Config{
		Command: "claude",
		Timeout: DefaultTimeout,
		LogDir:  ".log",
	}
}

// RunOptions describes one invocation.
type RunOptions struct {
	Prompt       string
	WorkingDir   string
	TaskID       string
	Timeout      time.Duration
	Model        string
	AllowedTools string
	Agents       string

	// Output receives diagnostic chunks as they arrive. The runner closes it
	// on every exit path. May be nil.
	Output chan<- string
}

// CLIResult is the outcome of one run. Output is the diagnostic transcript,
// CleanOutput only the narrative text meant for people.
type CLIResult struct {
	Success      bool
	Output       string
	CleanOutput  string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	Error        string

	ExitCode  int
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
}

// Runner executes prompts through the claude CLI.
type Runner struct {
	config *Config
	log    *slog.Logger
}

// NewRunner creates a runner. A nil config uses DefaultConfig.
func NewRunner(config *Config) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Command == "" {
		config.Command = "claude"
	}
	return &Runner{
		config: config,
		log:    logging.WithComponent("executor"),
	}
}

// IsAvailable reports whether the CLI binary can be found.
func (r *Runner) IsAvailable() bool {
	_, err := exec.LookPath(r.config.Command)
	return err == nil
}

func (r *Runner) buildArgs(opts RunOptions) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--include-partial-messages",
	}
	if m := firstNonEmpty(opts.Model, r.config.Model); m != "" {
		args = append(args, "--model", m)
	}
	if t := firstNonEmpty(opts.AllowedTools, r.config.AllowedTools); t != "" {
		args = append(args, "--allowedTools", t)
	}
	if a := firstNonEmpty(opts.Agents, r.config.Agents); a != "" {
		args = append(args, "--agents", a)
	}
	args = append(args, r.config.ExtraArgs...)
	return append(args, "--", opts.Prompt)
}

// Run executes one prompt. It never returns an error value: every failure is
// reported through CLIResult.Error, and opts.Output is always closed.
func (r *Runner) Run(ctx context.Context, opts RunOptions) *CLIResult {
	start := time.Now()
	t := newTranscript(opts.Output)
	defer t.close()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.config.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dir := firstNonEmpty(opts.WorkingDir, r.config.WorkingDir)
	log := r.log.With(slog.String("task_id", opts.TaskID))

	cmd := exec.Command(r.config.Command, r.buildArgs(opts)...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"CLAUDE_TASK_ID="+opts.TaskID,
		"CLAUDE_CODE_DISABLE_BACKGROUND_TASKS=1",
	)
	setProcessGroup(cmd)

	fail := func(msg string) *CLIResult {
		res := t.result()
		res.Error = msg
		res.ExitCode = -1
		res.Duration = time.Since(start)
		r.saveLog(opts.TaskID, res)
		return res
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Sprintf("Unexpected error: failed to create stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(fmt.Sprintf("Unexpected error: failed to create stderr pipe: %v", err))
	}
	if err := cmd.Start(); err != nil {
		log.Error("Failed to start claude", slog.String("command", r.config.Command), slog.Any("error", err))
		return fail(fmt.Sprintf("Failed to start %s: %v", r.config.Command, err))
	}

	pid := cmd.Process.Pid
	log.Info("Claude CLI started", slog.Int("pid", pid), slog.String("dir", dir))
	t.diag(fmt.Sprintf("[CLI] Process started (PID: %d)\n", pid))

	readersDone := make(chan struct{})
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		r.readStdout(stdout, t, log)
	}()
	go func() {
		r.readStderr(stderr, t)
		<-stdoutDone
		close(readersDone)
	}()

	// Wait must not run before the readers have drained the pipes.
	waitDone := make(chan error, 1)
	go func() {
		<-readersDone
		waitDone <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr   error
		timedOut  bool
		cancelled bool
	)
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		cancelled = true
	}

	if timedOut || cancelled {
		log.Warn("Killing claude process group",
			slog.Int("pid", pid),
			slog.Bool("timed_out", timedOut),
			slog.Duration("timeout", timeout),
		)
		t.abandon()
		if err := killProcessGroup(cmd); err != nil {
			log.Error("Failed to kill process group", slog.Int("pid", pid), slog.Any("error", err))
		}
		select {
		case waitErr = <-waitDone:
		case <-time.After(GracePeriod):
			// A descendant outside the group still holds the pipes open.
			log.Warn("Stream readers did not drain after kill, closing pipes", slog.Int("pid", pid))
			_ = stdout.Close()
			_ = stderr.Close()
			waitErr = <-waitDone
		}
	}

	res := t.result()
	res.Duration = time.Since(start)
	res.TimedOut = timedOut
	res.Cancelled = cancelled
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}

	switch {
	case timedOut:
		res.Success = false
		res.Error = fmt.Sprintf("Timeout after %ds", int(timeout.Seconds()))
	case cancelled:
		res.Success = false
		res.Error = "Cancelled"
	default:
		if _, isExit := waitErr.(*exec.ExitError); waitErr != nil && !isExit {
			res.Success = false
			res.Error = fmt.Sprintf("Unexpected error: %v", waitErr)
			break
		}
		res.Success = res.ExitCode == 0 && !t.hasResultError()
		if !res.Success {
			res.Error = t.errorMessage(res.ExitCode)
		}
	}

	log.Info("Claude CLI completed",
		slog.Bool("success", res.Success),
		slog.Int("exit_code", res.ExitCode),
		slog.Float64("cost_usd", res.CostUSD),
		slog.Int64("input_tokens", res.InputTokens),
		slog.Int64("output_tokens", res.OutputTokens),
		slog.Duration("duration", res.Duration),
		slog.String("stderr_preview", t.stderrPreview(3)),
	)
	r.saveLog(opts.TaskID, res)
	return res
}

func (r *Runner) readStdout(stdout io.Reader, t *transcript, log *slog.Logger) {
	err := readLines(stdout, maxLineSize, func(line string, truncated bool) {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			return
		}
		if truncated {
			log.Warn("Oversized stdout line dropped", slog.Int("limit", maxLineSize))
			if len(line) > 200 {
				line = line[:200]
			}
			t.diag(fmt.Sprintf("[CLI] dropped oversized line: %s...\n", line))
			return
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.diag(line + "\n")
			return
		}
		t.handle(&ev, log)
	})
	if err != nil {
		log.Warn("stdout stream error", slog.Any("error", err))
		t.diag(fmt.Sprintf("[CLI] stdout stream error: %v\n", err))
	}
}

func (r *Runner) readStderr(stderr io.Reader, t *transcript) {
	_ = readLines(stderr, maxLineSize, func(line string, _ bool) {
		t.stderrLine(strings.TrimRight(line, "\r"))
	})
}

// readLines calls fn for every line of rd until EOF. Lines longer than limit
// are cut at limit and the rest of the line is discarded, so the pipe keeps
// draining. The returned error excludes io.EOF.
func readLines(rd io.Reader, limit int, fn func(line string, truncated bool)) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	var buf []byte
	truncated := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 {
			if room := limit - len(buf); room > 0 {
				if len(chunk) > room {
					chunk = chunk[:room]
					truncated = true
				}
				buf = append(buf, chunk...)
			} else {
				truncated = true
			}
		}
		if err != nil {
			if len(buf) > 0 {
				fn(string(buf), truncated)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if isPrefix {
			continue
		}
		fn(string(buf), truncated)
		buf = buf[:0]
		truncated = false
	}
}

func (r *Runner) saveLog(taskID string, res *CLIResult) {
	if !r.config.SaveLogs || taskID == "" {
		return
	}
	path, err := writeTaskLog(r.config.LogDir, taskID, res)
	if err != nil {
		r.log.Warn("Failed to save task log", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	r.log.Debug("Task log saved", slog.String("path", path))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// summarizeToolResult is what gets logged for a tool_result block.
func summarizeToolResult(content string) string {
	preview := content
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return sensitive.Redact(preview)
}

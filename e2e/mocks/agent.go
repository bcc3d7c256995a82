package mocks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// AgentMock provides a mock agent CLI for E2E testing.
// It creates a temporary script that prints stream-json events the way the
// real CLI does and records the prompt it was given.
type AgentMock struct {
	mu         sync.Mutex
	binPath    string
	tmpDir     string
	Response   string
	ShouldFail bool
	CostUSD    float64
}

// NewAgentMock creates a new mock agent executable.
func NewAgentMock() (*AgentMock, error) {
	tmpDir, err := os.MkdirTemp("", "hookpilot-e2e-agent-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	m := &AgentMock{
		tmpDir:   tmpDir,
		Response: "Task completed successfully",
		CostUSD:  0.0042,
	}

	if err := m.createMockBinary(); err != nil {
		_ = os.RemoveAll(tmpDir) // Best effort cleanup
		return nil, err
	}

	return m, nil
}

// BinPath returns the path to the mock executable.
func (m *AgentMock) BinPath() string {
	return m.binPath
}

// Close cleans up temporary files.
func (m *AgentMock) Close() {
	_ = os.RemoveAll(m.tmpDir) // Best effort cleanup
}

// SetResponse sets the mock response text.
func (m *AgentMock) SetResponse(response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Response = response
	return m.createMockBinary()
}

// SetFailure configures the mock to report an error result.
func (m *AgentMock) SetFailure(shouldFail bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = shouldFail
	return m.createMockBinary()
}

// Prompts returns every prompt the mock received, oldest first.
func (m *AgentMock) Prompts() []string {
	files, _ := filepath.Glob(filepath.Join(m.tmpDir, "prompt-*"))
	sort.Strings(files)
	prompts := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err == nil {
			prompts = append(prompts, string(data))
		}
	}
	return prompts
}

// createMockBinary writes the shell script. The prompt is the argument after
// "--"; each one is saved to its own numbered file.
func (m *AgentMock) createMockBinary() error {
	m.binPath = filepath.Join(m.tmpDir, "agent")

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("# Mock agent CLI for E2E testing\n\n")
	sb.WriteString(`while [ $# -gt 0 ]; do
    if [ "$1" = "--" ]; then
        shift
        break
    fi
    shift
done
`)
	fmt.Fprintf(&sb, "n=$(ls %[1]q | grep -c '^prompt-')\nprintf '%%s' \"$1\" > %[1]q/prompt-$(printf '%%04d' \"$n\")\n\n", m.tmpDir)

	resultJSON, _ := json.Marshal(m.Response)
	if m.ShouldFail {
		fmt.Fprintf(&sb, `cat << 'EVENTS'
{"type":"system","subtype":"init","model":"mock-agent"}
{"type":"result","subtype":"error_during_execution","is_error":true,"result":%s,"total_cost_usd":%g}
EVENTS
exit 1
`, resultJSON, m.CostUSD)
	} else {
		fmt.Fprintf(&sb, `cat << 'EVENTS'
{"type":"system","subtype":"init","model":"mock-agent"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Reading the thread..."}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"README.md"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"# widgets"}]}}
{"type":"result","subtype":"success","result":%s,"is_error":false,"total_cost_usd":%g,"usage":{"input_tokens":500,"output_tokens":200}}
EVENTS
exit 0
`, resultJSON, m.CostUSD)
	}

	if err := os.WriteFile(m.binPath, []byte(sb.String()), 0755); err != nil {
		return fmt.Errorf("failed to write mock binary: %w", err)
	}
	return nil
}

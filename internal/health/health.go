package health

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alekspetrov/hookpilot/internal/config"
)

// Status represents feature or dependency status
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// Check represents a health check result
type Check struct {
	Name    string
	Status  Status
	Message string
	Fix     string
}

// FeatureStatus represents a feature with its availability
type FeatureStatus struct {
	Name    string
	Enabled bool
	Status  Status
	Note    string
}

// HealthReport contains all health check results
type HealthReport struct {
	Dependencies []Check
	Features     []FeatureStatus
}

// OK reports whether no dependency check failed.
func (r *HealthReport) OK() bool {
	for _, c := range r.Dependencies {
		if c.Status == StatusError {
			return false
		}
	}
	return true
}

// Overridden in tests.
var (
	lookPath   = exec.LookPath
	runVersion = func(cmd string, args ...string) ([]byte, error) {
		return exec.Command(cmd, args...).Output()
	}
)

// RunChecks performs all health checks based on config
func RunChecks(cfg *config.Config) *HealthReport {
	return &HealthReport{
		Dependencies: checkDependencies(cfg),
		Features:     checkFeatures(cfg),
	}
}

// checkDependencies checks the agent CLI and the data directory
func checkDependencies(cfg *config.Config) []Check {
	checks := []Check{}

	command := "claude"
	if cfg.Runner != nil && cfg.Runner.Command != "" {
		command = cfg.Runner.Command
	}
	if version := getCommandVersion(command, "--version"); version != "" {
		checks = append(checks, Check{Name: command, Status: StatusOK, Message: version})
	} else {
		checks = append(checks, Check{
			Name:    command,
			Status:  StatusError,
			Message: "not found",
			Fix:     "npm install -g @anthropic-ai/claude-code, or set runner.command",
		})
	}

	if version := getCommandVersion("git", "--version"); version != "" {
		checks = append(checks, Check{Name: "git", Status: StatusOK, Message: version})
	} else {
		checks = append(checks, Check{
			Name:    "git",
			Status:  StatusWarning,
			Message: "not found (agents cannot inspect repositories)",
			Fix:     "install git",
		})
	}

	checks = append(checks, checkDataDir(cfg.DataDir))
	return checks
}

func checkDataDir(dir string) Check {
	c := Check{Name: "data dir", Message: dir}
	if dir == "" {
		c.Status = StatusError
		c.Message = "not set"
		c.Fix = "set data_dir"
		return c
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.Status = StatusError
		c.Message = err.Error()
		return c
	}
	tmp, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		c.Status = StatusError
		c.Message = "not writable: " + err.Error()
		c.Fix = "chmod u+w " + filepath.Clean(dir)
		return c
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
	c.Status = StatusOK
	return c
}

// checkFeatures checks feature availability
func checkFeatures(cfg *config.Config) []FeatureStatus {
	features := []FeatureStatus{}
	a := cfg.Adapters
	if a == nil {
		a = &config.AdaptersConfig{}
	}

	gh := a.GitHub != nil && a.GitHub.Enabled
	features = append(features, adapterFeature("GitHub", gh, gh && a.GitHub.WebhookSecret == "", gh && a.GitHub.Token == ""))

	jira := a.Jira != nil && a.Jira.Enabled
	features = append(features, adapterFeature("Jira", jira, jira && a.Jira.WebhookSecret == "", jira && a.Jira.APIToken == ""))

	slack := a.Slack != nil && a.Slack.Enabled
	features = append(features, adapterFeature("Slack", slack, slack && a.Slack.SigningSecret == "", slack && a.Slack.BotToken == ""))

	approvals := cfg.Approval != nil && cfg.Approval.SigningKey != ""
	f := FeatureStatus{Name: "Approvals", Enabled: approvals, Status: boolToStatus(approvals)}
	if approvals && !slack {
		f.Status = StatusWarning
		f.Note = "buttons need the Slack adapter"
	}
	features = append(features, f)

	notify := cfg.Notifier != nil && cfg.Notifier.Enabled
	f = FeatureStatus{Name: "Notifier", Enabled: notify, Status: boolToStatus(notify)}
	if notify && !slack {
		f.Status = StatusWarning
		f.Note = "needs the Slack adapter"
	}
	features = append(features, f)

	hooks := cfg.Webhooks != nil && cfg.Webhooks.Enabled
	features = append(features, FeatureStatus{Name: "Webhooks", Enabled: hooks, Status: boolToStatus(hooks)})

	redis := cfg.UsesRedis()
	f = FeatureStatus{Name: "Redis", Enabled: redis, Status: boolToStatus(redis)}
	if redis {
		f.Note = cfg.Redis.Addr
	}
	features = append(features, f)

	return features
}

func adapterFeature(name string, enabled, noSecret, noToken bool) FeatureStatus {
	f := FeatureStatus{Name: name, Enabled: enabled, Status: boolToStatus(enabled)}
	switch {
	case noSecret:
		f.Status = StatusError
		f.Note = "no webhook secret; every delivery is rejected"
	case noToken:
		f.Status = StatusWarning
		f.Note = "no API token; results cannot be posted"
	}
	return f
}

// getCommandVersion runs a command and returns its version string
func getCommandVersion(cmd string, args ...string) string {
	if _, err := lookPath(cmd); err != nil {
		return ""
	}
	out, err := runVersion(cmd, args...)
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Extract just version number if possible
	if strings.Contains(version, " ") {
		parts := strings.Fields(version)
		for _, p := range parts {
			if strings.Contains(p, ".") {
				return p
			}
		}
	}
	return version
}

// boolToStatus converts bool to Status
func boolToStatus(enabled bool) Status {
	if enabled {
		return StatusOK
	}
	return StatusDisabled
}

// Symbol returns the symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}

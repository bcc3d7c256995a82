package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/hookpilot/internal/config"
)

// TestCommandFlags verifies the flags each command exposes
func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd   *cobra.Command
		flags []struct{ name, shorthand string }
	}{
		{newRunCmd(), []struct{ name, shorthand string }{{"command", ""}, {"external-id", ""}, {"quiet", "q"}}},
		{newTasksCmd(), []struct{ name, shorthand string }{{"addr", ""}, {"limit", "n"}}},
		{newTailCmd(), []struct{ name, shorthand string }{{"addr", ""}, {"plain", ""}}},
		{newCancelCmd(), []struct{ name, shorthand string }{{"addr", ""}}},
		{newConfigInitCmd(), []struct{ name, shorthand string }{{"force", ""}}},
	}

	for _, tt := range tests {
		for _, ef := range tt.flags {
			flag := tt.cmd.Flags().Lookup(ef.name)
			if flag == nil {
				t.Errorf("%s: missing flag --%s", tt.cmd.Name(), ef.name)
				continue
			}
			if ef.shorthand != "" && flag.Shorthand != ef.shorthand {
				t.Errorf("%s --%s: expected shorthand -%s, got -%s", tt.cmd.Name(), ef.name, ef.shorthand, flag.Shorthand)
			}
		}
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		cmd     *cobra.Command
		args    []string
		wantErr bool
	}{
		{newRunCmd(), nil, true},
		{newRunCmd(), []string{"fix", "the", "build"}, false},
		{newTailCmd(), nil, true},
		{newTailCmd(), []string{"task-1", "task-2"}, true},
		{newCancelCmd(), []string{"task-1"}, false},
		{newTasksCmd(), nil, false},
		{newTasksCmd(), []string{"a", "b"}, true},
	}
	for _, tt := range tests {
		err := tt.cmd.Args(tt.cmd, tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s %v: err = %v, wantErr %v", tt.cmd.Name(), tt.args, err, tt.wantErr)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)
	if !strings.Contains(out.String(), version) {
		t.Errorf("output = %q", out.String())
	}
}

func withConfigFile(t *testing.T, path string) {
	t.Helper()
	old := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = old })
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookpilot", "config.yaml")
	withConfigFile(t, path)

	run := func(args ...string) error {
		cmd := newConfigInitCmd()
		cmd.SetOut(&bytes.Buffer{})
		if err := cmd.Flags().Parse(args); err != nil {
			t.Fatalf("parse flags: %v", err)
		}
		return cmd.RunE(cmd, nil)
	}

	if err := run(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if err := run(); err == nil {
		t.Error("second init should refuse to overwrite")
	}
	if err := run("--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Gateway.Port != config.DefaultConfig().Gateway.Port {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  backend: kafka\n"), 0600); err != nil {
		t.Fatal(err)
	}
	withConfigFile(t, path)
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "queue.backend") {
		t.Errorf("loadConfig() = %v, want queue.backend error", err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Path = cfg.DataDir
	cfg.Gateway.Port = 0
	return cfg
}

func TestNewAppWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.SigningKey = "test-approval-signing-key"
	cfg.Adapters.Slack.Enabled = true
	cfg.Adapters.Slack.SigningSecret = "test-slack-signing-secret"

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if a.server == nil || a.worker == nil || a.factory == nil || a.scheduler == nil {
		t.Fatalf("app not fully wired: %+v", a)
	}
	if a.redis != nil {
		t.Error("redis dialled although no component uses it")
	}
	if a.sweeper == nil {
		t.Error("in-memory markers should be swept")
	}

	jobs := a.maintenanceJobs()
	if want := cfg.Runner.Timeout + cfg.Maintenance.StaleGrace; jobs.StaleAfter != want {
		t.Errorf("StaleAfter = %v, want %v", jobs.StaleAfter, want)
	}
	if jobs.Audit == nil || jobs.Limiter == nil || jobs.Markers == nil {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestNewAppNoRunnerTimeoutSkipsReaper(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.Timeout = 0
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	if got := a.maintenanceJobs().StaleAfter; got != 0 {
		t.Errorf("StaleAfter = %v, want 0", got)
	}
}

func TestNewAppRedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := newApp(ctx, cfg); err == nil || !strings.Contains(err.Error(), "redis") {
		t.Errorf("newApp() = %v, want redis error", err)
	}
}

func TestWebhookSecretsOnlyForEnabledAdapters(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Adapters.GitHub.WebhookSecret = "test-github-webhook-secret"
	cfg.Adapters.Jira.Enabled = true
	cfg.Adapters.Jira.WebhookSecret = "test-jira-webhook-secret"

	s := webhookSecrets(cfg.Adapters)
	if s.GitHub != "" {
		t.Errorf("disabled GitHub adapter kept its secret")
	}
	if s.Jira != "test-jira-webhook-secret" {
		t.Errorf("Jira secret = %q", s.Jira)
	}
}

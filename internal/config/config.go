package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/hookpilot/internal/adapters/github"
	"github.com/alekspetrov/hookpilot/internal/adapters/jira"
	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/executor"
	"github.com/alekspetrov/hookpilot/internal/gateway"
	"github.com/alekspetrov/hookpilot/internal/idempotency"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/maintenance"
	"github.com/alekspetrov/hookpilot/internal/queue"
	"github.com/alekspetrov/hookpilot/internal/store"
	"github.com/alekspetrov/hookpilot/internal/stream"
	"github.com/alekspetrov/hookpilot/internal/webhooks"
	"github.com/alekspetrov/hookpilot/internal/worker"
)

// Config represents the main configuration
type Config struct {
	Version     string                   `yaml:"version"`
	DataDir     string                   `yaml:"data_dir"`
	Gateway     *gateway.Config          `yaml:"gateway"`
	Adapters    *AdaptersConfig          `yaml:"adapters"`
	Runner      *executor.Config         `yaml:"runner"`
	Worker      *worker.Config           `yaml:"worker"`
	Intake      *intake.Config           `yaml:"intake"`
	Store       *store.Config            `yaml:"store"`
	Queue       *queue.Config            `yaml:"queue"`
	Stream      *stream.Config           `yaml:"stream"`
	Redis       *RedisConfig             `yaml:"redis"`
	Idempotency *idempotency.Config      `yaml:"idempotency"`
	Approval    *ApprovalConfig          `yaml:"approval"`
	Notifier    *dispatch.NotifierConfig `yaml:"notifier"`
	Webhooks    *webhooks.Config         `yaml:"webhooks"`
	Maintenance *maintenance.Config      `yaml:"maintenance"`
	Logging     *logging.Config          `yaml:"logging"`
}

// AdaptersConfig holds adapter configurations
type AdaptersConfig struct {
	GitHub *github.Config `yaml:"github"`
	Jira   *jira.Config   `yaml:"jira"`
	Slack  *slack.Config  `yaml:"slack"`
}

// RedisConfig is the Redis shared by the queue, the stream broker and the
// idempotency markers. It is only dialled when one of them selects redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ApprovalConfig configures the signed approval buttons. An empty signing key
// disables approval buttons.
type ApprovalConfig struct {
	SigningKey string        `yaml:"signing_key"`
	TTL        time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	storeCfg := store.DefaultConfig()
	storeCfg.Path = ""
	return &Config{
		Version: "1.0",
		DataDir: filepath.Join(homeDir, ".hookpilot", "data"),
		Gateway: gateway.DefaultConfig(),
		Adapters: &AdaptersConfig{
			GitHub: github.DefaultConfig(),
			Jira:   jira.DefaultConfig(),
			Slack:  slack.DefaultConfig(),
		},
		Runner:      executor.DefaultConfig(),
		Worker:      worker.DefaultConfig(),
		Intake:      intake.DefaultConfig(),
		Store:       storeCfg,
		Queue:       queue.DefaultConfig(),
		Stream:      &stream.Config{Backend: "memory"},
		Redis:       &RedisConfig{Addr: "localhost:6379"},
		Idempotency: idempotency.DefaultConfig(),
		Approval:    &ApprovalConfig{TTL: dispatch.DefaultApprovalTTL},
		Notifier:    &dispatch.NotifierConfig{},
		Webhooks:    webhooks.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.resolvePaths()
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.resolvePaths()
	return config, nil
}

// resolvePaths expands ~ and points an unset store path at the data dir.
func (c *Config) resolvePaths() {
	c.DataDir = expandPath(c.DataDir)
	if c.Store != nil {
		if c.Store.Path == "" {
			c.Store.Path = c.DataDir
		}
		c.Store.Path = expandPath(c.Store.Path)
	}
	if c.Runner != nil {
		c.Runner.LogDir = expandPath(c.Runner.LogDir)
		c.Runner.WorkingDir = expandPath(c.Runner.WorkingDir)
	}
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".hookpilot", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway == nil {
		return errors.New("gateway configuration is required")
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if c.Runner != nil && c.Runner.Timeout < 0 {
		return fmt.Errorf("runner.timeout must not be negative: %v", c.Runner.Timeout)
	}

	type validator interface{ Validate() error }
	sections := []struct {
		present bool
		v       validator
	}{
		{c.Worker != nil, c.Worker},
		{c.Intake != nil, c.Intake},
		{c.Webhooks != nil, c.Webhooks},
		{c.Maintenance != nil, c.Maintenance},
	}
	for _, s := range sections {
		if !s.present {
			continue
		}
		if err := s.v.Validate(); err != nil {
			return err
		}
	}

	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.Approval != nil && c.Approval.TTL < 0 {
		return fmt.Errorf("approval.ttl must not be negative: %v", c.Approval.TTL)
	}
	if c.Adapters != nil && c.Adapters.Jira != nil && c.Adapters.Jira.Enabled {
		switch c.Adapters.Jira.Platform {
		case jira.PlatformCloud, jira.PlatformServer:
		default:
			return fmt.Errorf("invalid adapters.jira.platform %q (must be cloud or server)", c.Adapters.Jira.Platform)
		}
	}
	return nil
}

func (c *Config) validateBackends() error {
	if c.Store != nil {
		switch c.Store.Driver {
		case "", "sqlite", "sqlite3":
		case "postgres", "postgresql":
			if c.Store.DSN == "" {
				return errors.New("store.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("invalid store.driver %q (must be sqlite or postgres)", c.Store.Driver)
		}
	}
	backends := map[string]string{}
	if c.Queue != nil {
		backends["queue.backend"] = c.Queue.Backend
	}
	if c.Stream != nil {
		backends["stream.backend"] = c.Stream.Backend
	}
	if c.Idempotency != nil {
		backends["idempotency.backend"] = c.Idempotency.Backend
	}
	for name, b := range backends {
		switch b {
		case "", "memory":
		case "redis":
			if c.Redis == nil || c.Redis.Addr == "" {
				return fmt.Errorf("%s is redis but redis.addr is empty", name)
			}
		default:
			return fmt.Errorf("invalid %s %q (must be memory or redis)", name, b)
		}
	}
	return nil
}

// UsesRedis reports whether any component selects the redis backend.
func (c *Config) UsesRedis() bool {
	return (c.Queue != nil && c.Queue.Backend == "redis") ||
		(c.Stream != nil && c.Stream.Backend == "redis") ||
		(c.Idempotency != nil && c.Idempotency.Backend == "redis")
}

// Identities merges the bot accounts named in the adapter sections into the
// idempotency identities.
func (c *Config) Identities() idempotency.Identities {
	var ids idempotency.Identities
	if c.Idempotency != nil {
		ids = c.Idempotency.Identities
	}
	if c.Adapters == nil {
		return ids
	}
	if gh := c.Adapters.GitHub; gh != nil {
		ids.GitHub = appendNonEmpty(ids.GitHub, gh.BotLogin, gh.AppID)
	}
	if j := c.Adapters.Jira; j != nil {
		ids.Jira = appendNonEmpty(ids.Jira, j.BotAccountID)
	}
	if s := c.Adapters.Slack; s != nil {
		ids.Slack = appendNonEmpty(ids.Slack, s.BotUserID, s.BotID, s.AppID)
	}
	return ids
}

func appendNonEmpty(dst []string, values ...string) []string {
	for _, v := range values {
		if v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

// Package webhooks delivers signed task lifecycle events to configured HTTP
// endpoints, retrying failed deliveries with exponential backoff.
package webhooks

import (
	"fmt"
	"net/url"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
)

// AllEventTypes returns all supported event types.
func AllEventTypes() []EventType {
	return []EventType{EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventTaskCancelled}
}

// Config holds configuration for outbound webhooks.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Endpoints []*EndpointConfig `yaml:"endpoints"`
	Defaults  *EndpointDefaults `yaml:"defaults,omitempty"`
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	ID   string `yaml:"id,omitempty"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// Secret signs deliveries with HMAC-SHA256. Supports $ENV expansion.
	Secret string `yaml:"secret"`

	// Events this endpoint subscribes to. Empty means all.
	Events []EventType `yaml:"events,omitempty"`

	Enabled bool              `yaml:"enabled"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retry   *RetryConfig      `yaml:"retry,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// EndpointDefaults holds default values for webhook endpoints.
type EndpointDefaults struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   *RetryConfig  `yaml:"retry,omitempty"`
}

// RetryConfig defines retry behavior for failed deliveries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultConfig returns a disabled configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoints: []*EndpointConfig{},
		Defaults: &EndpointDefaults{
			Timeout: 30 * time.Second,
			Retry:   DefaultRetryConfig(),
		},
	}
}

// DefaultRetryConfig returns default retry settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Validate checks endpoint URLs and event names.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	known := make(map[EventType]bool)
	for _, et := range AllEventTypes() {
		known[et] = true
	}
	for i, ep := range c.Endpoints {
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks: endpoint %d (%s): invalid url %q", i, ep.Name, ep.URL)
		}
		for _, et := range ep.Events {
			if !known[et] {
				return fmt.Errorf("webhooks: endpoint %d (%s): unknown event %q", i, ep.Name, et)
			}
		}
	}
	return nil
}

// SubscribesTo returns true if the endpoint subscribes to the given event type.
func (e *EndpointConfig) SubscribesTo(eventType EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// GetTimeout returns the effective timeout for this endpoint.
func (e *EndpointConfig) GetTimeout(defaults *EndpointDefaults) time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	if defaults != nil && defaults.Timeout > 0 {
		return defaults.Timeout
	}
	return 30 * time.Second
}

// GetRetry returns the effective retry config for this endpoint.
func (e *EndpointConfig) GetRetry(defaults *EndpointDefaults) *RetryConfig {
	if e.Retry != nil {
		return e.Retry
	}
	if defaults != nil && defaults.Retry != nil {
		return defaults.Retry
	}
	return DefaultRetryConfig()
}

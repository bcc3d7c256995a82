// Package jira posts task results back to Jira issues.
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alekspetrov/hookpilot/internal/adapters"
)

// Platform types.
const (
	PlatformCloud  = "cloud"
	PlatformServer = "server"
)

// Config holds Jira adapter configuration.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	Platform      string `yaml:"platform"`       // "cloud" or "server"
	BaseURL       string `yaml:"base_url"`       // e.g. "https://company.atlassian.net"
	Username      string `yaml:"username"`       // email for Cloud, username for Server
	APIToken      string `yaml:"api_token"`
	WebhookSecret string `yaml:"webhook_secret"` // HMAC secret or ?secret= value
	BotAccountID  string `yaml:"bot_account_id"`
}

// DefaultConfig returns a disabled Cloud configuration.
func DefaultConfig() *Config {
	return &Config{Platform: PlatformCloud}
}

// Client is a Jira REST API client.
type Client struct {
	baseURL    string
	username   string
	apiToken   string
	platform   string
	httpClient *http.Client
	retry      adapters.RetryOptions
}

// NewClient creates a client. platform selects REST v3 (cloud, ADF bodies)
// or v2 (server, plain bodies).
func NewClient(baseURL, username, apiToken, platform string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		apiToken: apiToken,
		platform: platform,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: adapters.DefaultRetryOptions(),
	}
}

// SetRetryOptions overrides the retry policy.
func (c *Client) SetRetryOptions(opts adapters.RetryOptions) { c.retry = opts }

// Comment is a created issue comment.
type Comment struct {
	ID      string `json:"id"`
	Created string `json:"created"`
}

func (c *Client) apiPath() string {
	if c.platform == PlatformCloud {
		return "/rest/api/3"
	}
	return "/rest/api/2"
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+c.apiPath()+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.apiToken))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapters.NewAPIError(resp, respBody)
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// AddComment posts body on issueKey and returns the new comment. Only
// rate-limited attempts are repeated.
func (c *Client) AddComment(ctx context.Context, issueKey, body string) (*Comment, error) {
	var reqBody any
	if c.platform == PlatformCloud {
		reqBody = map[string]any{"body": toADF(body)}
	} else {
		reqBody = map[string]string{"body": body}
	}

	opts := c.retry
	opts.Retryable = adapters.IsRateLimited
	return adapters.WithRetry(ctx, func() (*Comment, error) {
		var comment Comment
		if err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/issue/%s/comment", issueKey), reqBody, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, opts)
}

// toADF renders plain text as an Atlassian Document: one paragraph per
// blank-line separated block, hard breaks for single newlines.
func toADF(text string) map[string]any {
	var paragraphs []map[string]any
	for _, block := range strings.Split(strings.TrimSpace(text), "\n\n") {
		block = strings.Trim(block, "\n")
		if block == "" {
			continue
		}
		var content []map[string]any
		for i, line := range strings.Split(block, "\n") {
			if i > 0 {
				content = append(content, map[string]any{"type": "hardBreak"})
			}
			if line != "" {
				content = append(content, map[string]any{"type": "text", "text": line})
			}
		}
		paragraphs = append(paragraphs, map[string]any{"type": "paragraph", "content": content})
	}
	if paragraphs == nil {
		paragraphs = []map[string]any{{"type": "paragraph", "content": []map[string]any{}}}
	}
	return map[string]any{"type": "doc", "version": 1, "content": paragraphs}
}

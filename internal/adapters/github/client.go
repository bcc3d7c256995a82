// Package github posts task results back to GitHub issues and pull requests.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alekspetrov/hookpilot/internal/adapters"
)

const githubAPIURL = "https://api.github.com"

// Config holds GitHub adapter configuration.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"` // empty for api.github.com
	BotLogin      string `yaml:"bot_login"`
	AppID         string `yaml:"app_id"`
	// React with this emoji on a triggering comment when a task is queued.
	AckReaction string `yaml:"ack_reaction"`
}

// DefaultConfig returns a disabled configuration.
func DefaultConfig() *Config {
	return &Config{AckReaction: "eyes"}
}

// New builds a client from cfg.
func New(cfg *Config) *Client {
	if cfg.BaseURL != "" {
		return NewClientWithBaseURL(cfg.Token, cfg.BaseURL)
	}
	return NewClient(cfg.Token)
}

// Client is a GitHub REST API client.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	retry      adapters.RetryOptions
}

// NewClient creates a client for api.github.com.
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, githubAPIURL)
}

// NewClientWithBaseURL creates a client for a custom API root (GitHub
// Enterprise or tests).
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:   token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: adapters.DefaultRetryOptions(),
	}
}

// SetRetryOptions overrides the retry policy.
func (c *Client) SetRetryOptions(opts adapters.RetryOptions) { c.retry = opts }

// User is a GitHub account.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Comment is an issue or pull request comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

// PlatformID is the comment id as the idempotency guard keys it.
func (c *Comment) PlatformID() string { return strconv.FormatInt(c.ID, 10) }

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
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

// AddComment posts body on issue or pull request number of owner/repo.
// Pull request conversation comments go through the issues endpoint. Only
// rate-limited attempts are repeated: a 5xx or a dropped connection may
// still have created the comment.
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	opts := c.retry
	opts.Retryable = adapters.IsRateLimited
	return adapters.WithRetry(ctx, func() (*Comment, error) {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
		var comment Comment
		if err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"body": body}, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, opts)
}

// AddCommentReaction reacts to a comment, e.g. "eyes" to acknowledge a
// command before the task runs.
func (c *Client) AddCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	return c.doRequest(ctx, http.MethodPost, path, map[string]string{"content": content}, nil)
}

// GetAuthenticatedUser returns the account the token belongs to. It is used
// at startup to learn the bot's own login.
func (c *Client) GetAuthenticatedUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.doRequest(ctx, http.MethodGet, "/user", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

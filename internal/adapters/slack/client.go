// Package slack posts task results into Slack threads and verifies Slack
// callbacks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackAPIURL = "https://slack.com/api"

// Config holds Slack adapter configuration.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
	BotUserID     string `yaml:"bot_user_id"`
	BotID         string `yaml:"bot_id"`
	AppID         string `yaml:"app_id"`
}

// DefaultConfig returns a disabled configuration.
func DefaultConfig() *Config {
	return &Config{}
}

// Client is a Slack Web API client.
type Client struct {
	botToken   string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for slack.com.
func NewClient(botToken string) *Client {
	return NewClientWithBaseURL(botToken, slackAPIURL)
}

// NewClientWithBaseURL creates a client for a custom API root (tests).
func NewClientWithBaseURL(botToken, baseURL string) *Client {
	return &Client{
		botToken: botToken,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Message is a chat.postMessage request.
type Message struct {
	Channel     string `json:"channel"`
	Text        string `json:"text,omitempty"`
	Blocks      []any  `json:"blocks,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	UnfurlLinks *bool  `json:"unfurl_links,omitempty"`
}

// PostMessageResponse is the chat.postMessage reply.
type PostMessageResponse struct {
	OK      bool   `json:"ok"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

// APIError is a Slack "ok": false reply.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack API error: %s: %s", e.Method, e.Code)
}

func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.botToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API %s returned status %d", method, resp.StatusCode)
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !envelope.OK {
		return &APIError{Method: method, Code: envelope.Error}
	}
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// PostMessage posts msg and returns the new message's ts.
func (c *Client) PostMessage(ctx context.Context, msg *Message) (*PostMessageResponse, error) {
	var result PostMessageResponse
	if err := c.call(ctx, "chat.postMessage", msg, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateMessage replaces the text and blocks of the message at ts.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string, blocks []any) error {
	payload := struct {
		Channel string `json:"channel"`
		TS      string `json:"ts"`
		Text    string `json:"text,omitempty"`
		Blocks  []any  `json:"blocks"`
	}{Channel: channel, TS: ts, Text: text, Blocks: blocks}
	if payload.Blocks == nil {
		payload.Blocks = []any{}
	}
	return c.call(ctx, "chat.update", payload, nil)
}

// AuthTest returns the bot's own user, bot and team ids.
func (c *Client) AuthTest(ctx context.Context) (*AuthTestResponse, error) {
	var result AuthTestResponse
	if err := c.call(ctx, "auth.test", struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AuthTestResponse is the auth.test reply.
type AuthTestResponse struct {
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id"`
	TeamID string `json:"team_id"`
}

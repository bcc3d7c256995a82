package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/hookpilot/internal/gateway"
)

// apiClient talks to a running gateway's task API.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

// newAPIClient targets addr, or the configured gateway when addr is empty.
// A wildcard bind address is dialled on loopback.
func newAPIClient(cfg *gateway.Config, addr string) (*apiClient, error) {
	if addr == "" {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, fmt.Sprint(cfg.Port))
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway address %q: %w", addr, err)
	}
	c := &apiClient{base: base, http: &http.Client{Timeout: 30 * time.Second}}
	if cfg.Auth != nil && cfg.Auth.Type == gateway.AuthTypeAPIToken {
		c.token = cfg.Auth.Token
	}
	return c, nil
}

func (c *apiClient) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// endpoint resolves path and query against the gateway address.
func (c *apiClient) endpoint(path string, query url.Values) *url.URL {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	return u
}

func (c *apiClient) do(ctx context.Context, method string, u *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header = c.header()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("gateway: %s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

func (c *apiClient) ListTasks(ctx context.Context, limit int) ([]gateway.TaskView, error) {
	var out struct {
		Tasks []gateway.TaskView `json:"tasks"`
	}
	u := c.endpoint("/api/v1/tasks", url.Values{"limit": {strconv.Itoa(limit)}})
	if err := c.do(ctx, http.MethodGet, u, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *apiClient) GetTask(ctx context.Context, taskID string) (*gateway.TaskView, error) {
	var out gateway.TaskView
	if err := c.do(ctx, http.MethodGet, c.endpoint("/api/v1/tasks/"+taskID, nil), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("/api/v1/tasks/"+taskID+"/cancel", nil), nil)
}

// DialTail opens the live output WebSocket of a task.
func (c *apiClient) DialTail(ctx context.Context, taskID string) (*websocket.Conn, error) {
	u := c.base.JoinPath("/ws/tasks", taskID)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("tail %s: gateway returned %d", taskID, resp.StatusCode)
		}
		return nil, fmt.Errorf("tail %s: %w", taskID, err)
	}
	return conn, nil
}

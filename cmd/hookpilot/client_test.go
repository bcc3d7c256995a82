package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/hookpilot/internal/gateway"
	"github.com/alekspetrov/hookpilot/internal/testutil"
)

func TestNewAPIClientAddress(t *testing.T) {
	tests := []struct {
		name string
		host string
		addr string
		want string
	}{
		{"loopback", "127.0.0.1", "", "http://127.0.0.1:9090"},
		{"wildcard bind", "0.0.0.0", "", "http://127.0.0.1:9090"},
		{"override without scheme", "127.0.0.1", "gw.internal:8080", "http://gw.internal:8080"},
		{"override with scheme", "127.0.0.1", "https://gw.example.com", "https://gw.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := gateway.DefaultConfig()
			cfg.Host = tt.host
			cfg.Port = 9090
			c, err := newAPIClient(cfg, tt.addr)
			if err != nil {
				t.Fatalf("newAPIClient: %v", err)
			}
			if c.base.String() != tt.want {
				t.Errorf("base = %q, want %q", c.base, tt.want)
			}
		})
	}
}

func TestAPIClient(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks":
			gotQuery = r.URL.RawQuery
			_ = json.NewEncoder(w).Encode(map[string]any{"tasks": []gateway.TaskView{
				{ID: "task-1", Status: "running", Source: "webhook", CreatedAt: time.Now()},
			}})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/task-1":
			_ = json.NewEncoder(w).Encode(gateway.TaskView{ID: "task-1", Status: "completed", Result: "Done."})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/task-1/cancel":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"task already finished"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"task not found"}`))
		}
	}))
	defer srv.Close()

	cfg := gateway.DefaultConfig()
	cfg.Auth = &gateway.AuthConfig{Type: gateway.AuthTypeAPIToken, Token: testutil.FakeBearerToken}
	c, err := newAPIClient(cfg, srv.URL)
	if err != nil {
		t.Fatalf("newAPIClient: %v", err)
	}
	ctx := context.Background()

	tasks, err := c.ListTasks(ctx, 5)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task-1" {
		t.Errorf("tasks = %+v", tasks)
	}
	if gotQuery != "limit=5" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer "+testutil.FakeBearerToken {
		t.Errorf("Authorization = %q", gotAuth)
	}

	view, err := c.GetTask(ctx, "task-1")
	if err != nil || view.Result != "Done." {
		t.Errorf("GetTask = %+v, %v", view, err)
	}

	err = c.CancelTask(ctx, "task-1")
	if err == nil || !strings.Contains(err.Error(), "task already finished") || !strings.Contains(err.Error(), "409") {
		t.Errorf("CancelTask = %v", err)
	}
	if _, err := c.GetTask(ctx, "task-missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("GetTask(missing) = %v", err)
	}
}

func TestRenderTaskList(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	out := renderTaskList([]gateway.TaskView{
		{ID: "task-1", Status: "completed", Command: "review", Source: "webhook", CreatedAt: now.Add(-90 * time.Second)},
		{ID: "task-2", Status: "queued", Source: "dashboard", CreatedAt: now.Add(-3 * time.Hour)},
	}, now)
	for _, want := range []string{"task-1", "review", "1m", "task-2", "3h", "dashboard"} {
		if !strings.Contains(out, want) {
			t.Errorf("list lacks %q:\n%s", want, out)
		}
	}
	if got := renderTaskList(nil, now); !strings.Contains(got, "No tasks") {
		t.Errorf("empty list = %q", got)
	}
}

func TestAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{26 * time.Hour, "26h"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := age(tt.d); got != tt.want {
			t.Errorf("age(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestRenderSummary(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	end := start.Add(42 * time.Second)
	out := renderSummary(gateway.TaskView{
		ID: "task-1", Status: "failed", Error: "runner timed out", CostUSD: 0.0125,
		StartedAt: &start, CompletedAt: &end,
	})
	for _, want := range []string{"task-1", "failed", "42s", "$0.0125", "runner timed out"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary lacks %q:\n%s", want, out)
		}
	}
}

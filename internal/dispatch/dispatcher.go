// Package dispatch posts task results back to the platform that triggered
// them. Handlers are registered by name in a Registry; the worker looks up the
// task's completion handler and calls it once per finished task.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/alekspetrov/hookpilot/internal/adapters/github"
	"github.com/alekspetrov/hookpilot/internal/adapters/jira"
	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/metrics"
	"github.com/alekspetrov/hookpilot/internal/payload"
)

// ErrNoClient is logged when a handler has no platform client configured.
var ErrNoClient = errors.New("no client configured")

// Completion is everything a handler needs to report a finished task.
type Completion struct {
	Payload          json.RawMessage
	Routing          payload.Routing
	Message          string
	Success          bool
	CostUSD          float64
	TaskID           string
	Command          string
	Result           string
	Error            string
	RequiresApproval bool
}

// Handler posts a completion and reports whether the primary post succeeded.
type Handler func(ctx context.Context, c *Completion) bool

// Registry maps completion handler names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), log: logging.WithComponent("dispatch")}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for name. An empty or unknown name is a logged
// no-op returning false.
func (r *Registry) Dispatch(ctx context.Context, name string, c *Completion) bool {
	if name == "" {
		return false
	}
	h, ok := r.Get(name)
	if !ok {
		r.log.Warn("No completion handler registered",
			slog.String("handler", name),
			slog.String("task_id", c.TaskID),
		)
		return false
	}
	return h(ctx, c)
}

// GitHubPoster posts issue and pull request comments.
type GitHubPoster interface {
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
}

// JiraPoster posts issue comments.
type JiraPoster interface {
	AddComment(ctx context.Context, issueKey, body string) (*jira.Comment, error)
}

// SlackPoster posts chat messages.
type SlackPoster interface {
	PostMessage(ctx context.Context, msg *slack.Message) (*slack.PostMessageResponse, error)
}

// Marker records the platform id of a post so its webhook echo is ignored.
// *idempotency.Guard implements it.
type Marker interface {
	MarkPosted(ctx context.Context, provider payload.Provider, platformID string) error
}

// Options wires a Dispatcher. Nil clients disable their handler.
type Options struct {
	GitHub   GitHubPoster
	Jira     JiraPoster
	Slack    SlackPoster
	Marker   Marker
	Notifier *Notifier
	Signer   *Signer
	Metrics  *metrics.Metrics
}

// Dispatcher implements the github, jira and slack handlers.
type Dispatcher struct {
	github   GitHubPoster
	jira     JiraPoster
	slack    SlackPoster
	marker   Marker
	notifier *Notifier
	signer   *Signer
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		github:   opts.GitHub,
		jira:     opts.Jira,
		slack:    opts.Slack,
		marker:   opts.Marker,
		notifier: opts.Notifier,
		signer:   opts.Signer,
		metrics:  opts.Metrics,
		log:      logging.WithComponent("dispatch"),
	}
}

// Register adds the github, jira and slack handlers to r.
func (d *Dispatcher) Register(r *Registry) {
	r.Register(string(payload.GitHub), d.GitHub)
	r.Register(string(payload.Jira), d.Jira)
	r.Register(string(payload.Slack), d.Slack)
}

// GitHub comments on the originating issue or pull request.
func (d *Dispatcher) GitHub(ctx context.Context, c *Completion) bool {
	posted := d.postGitHub(ctx, c)
	d.finish(ctx, payload.GitHub, c, posted)
	return posted
}

func (d *Dispatcher) postGitHub(ctx context.Context, c *Completion) bool {
	repo := c.Routing.Repo
	if repo == "" {
		repo = gjson.GetBytes(c.Payload, "repository.full_name").String()
	}
	number := c.Routing.Number
	if number == 0 {
		number = int(firstInt(c.Payload, "issue.number", "pull_request.number", "number"))
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || number == 0 {
		d.log.Warn("Cannot route GitHub completion",
			slog.String("task_id", c.TaskID),
			slog.String("repo", repo),
			slog.Int("number", number),
		)
		return false
	}
	if d.github == nil {
		d.logPostError(payload.GitHub, c, ErrNoClient)
		return false
	}

	body := FormatGitHubComment(c.Message, c.Success, c.CostUSD)
	comment, err := d.github.AddComment(ctx, owner, name, number, body)
	if err != nil {
		d.logPostError(payload.GitHub, c, err)
		return false
	}
	d.mark(ctx, payload.GitHub, comment.PlatformID())
	d.log.Info("Posted GitHub comment",
		slog.String("task_id", c.TaskID),
		slog.String("repo", repo),
		slog.Int("number", number),
		slog.Int64("comment_id", comment.ID),
	)
	return true
}

// Jira comments on the originating issue.
func (d *Dispatcher) Jira(ctx context.Context, c *Completion) bool {
	posted := d.postJira(ctx, c)
	d.finish(ctx, payload.Jira, c, posted)
	return posted
}

func (d *Dispatcher) postJira(ctx context.Context, c *Completion) bool {
	key := c.Routing.TicketKey
	if key == "" {
		key = gjson.GetBytes(c.Payload, "issue.key").String()
	}
	if key == "" {
		d.log.Warn("Cannot route Jira completion", slog.String("task_id", c.TaskID))
		return false
	}
	if d.jira == nil {
		d.logPostError(payload.Jira, c, ErrNoClient)
		return false
	}

	comment, err := d.jira.AddComment(ctx, key, FormatJiraComment(c.Message, c.Success, c.CostUSD))
	if err != nil {
		d.logPostError(payload.Jira, c, err)
		return false
	}
	d.mark(ctx, payload.Jira, comment.ID)
	d.log.Info("Posted Jira comment",
		slog.String("task_id", c.TaskID),
		slog.String("issue", key),
		slog.String("comment_id", comment.ID),
	)
	return true
}

// Slack replies in the originating thread.
func (d *Dispatcher) Slack(ctx context.Context, c *Completion) bool {
	posted := d.postSlack(ctx, c)
	d.finish(ctx, payload.Slack, c, posted)
	return posted
}

func (d *Dispatcher) postSlack(ctx context.Context, c *Completion) bool {
	channel := c.Routing.Channel
	if channel == "" {
		channel = gjson.GetBytes(c.Payload, "event.channel").String()
	}
	thread := c.Routing.ThreadTS
	if thread == "" {
		thread = firstString(c.Payload, "event.thread_ts", "event.ts")
	}
	if channel == "" {
		d.log.Warn("Cannot route Slack completion", slog.String("task_id", c.TaskID))
		return false
	}
	if d.slack == nil {
		d.logPostError(payload.Slack, c, ErrNoClient)
		return false
	}

	text := c.Message
	if !c.Success && c.Error != "" {
		text = c.Error
	}
	unfurl := false
	resp, err := d.slack.PostMessage(ctx, &slack.Message{
		Channel:     channel,
		ThreadTS:    thread,
		Text:        FormatSlackText(text, c.Success),
		Blocks:      d.BuildCompletionBlocks(c),
		UnfurlLinks: &unfurl,
	})
	if err != nil {
		d.logPostError(payload.Slack, c, err)
		return false
	}
	d.mark(ctx, payload.Slack, resp.TS)
	d.log.Info("Posted Slack reply",
		slog.String("task_id", c.TaskID),
		slog.String("channel", channel),
		slog.String("ts", resp.TS),
	)
	return true
}

func (d *Dispatcher) mark(ctx context.Context, p payload.Provider, id string) {
	if d.marker == nil || id == "" {
		return
	}
	if err := d.marker.MarkPosted(ctx, p, id); err != nil {
		d.log.Warn("Failed to record posted marker",
			slog.String("provider", string(p)),
			slog.String("platform_id", id),
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) finish(ctx context.Context, p payload.Provider, c *Completion, posted bool) {
	d.metrics.CompletionPosted(string(p), posted)
	result := d.notifier.Notify(ctx, p, c)
	d.metrics.Notification(string(result))
}

func (d *Dispatcher) logPostError(p payload.Provider, c *Completion, err error) {
	d.log.Error("Completion post failed",
		slog.String("provider", string(p)),
		slog.String("task_id", c.TaskID),
		slog.Any("error", err),
	)
}

func firstInt(raw []byte, paths ...string) int64 {
	for _, r := range gjson.GetManyBytes(raw, paths...) {
		if r.Type == gjson.Number && r.Int() > 0 {
			return r.Int()
		}
	}
	return 0
}

func firstString(raw []byte, paths ...string) string {
	for _, r := range gjson.GetManyBytes(raw, paths...) {
		if s := r.String(); s != "" {
			return s
		}
	}
	return ""
}

// Package worker runs queued tasks. A worker pops one task id at a time,
// runs the agent CLI for it, stores the outcome, appends the assistant reply
// to the task's conversation and hands the result to the completion handler
// recorded on the task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alekspetrov/hookpilot/internal/correlation"
	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/executor"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/metrics"
	"github.com/alekspetrov/hookpilot/internal/queue"
	"github.com/alekspetrov/hookpilot/internal/store"
	"github.com/alekspetrov/hookpilot/internal/stream"
	"github.com/alekspetrov/hookpilot/internal/webhooks"
)

// Error recorded on tasks interrupted by a worker shutdown.
const errWorkerStopped = "worker stopped"

// Config configures the worker loop.
type Config struct {
	PopTimeout         time.Duration `yaml:"pop_timeout"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	OutputBuffer       int           `yaml:"output_buffer"`
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() *Config {
	return &Config{
		PopTimeout:         5 * time.Second,
		CancelPollInterval: 2 * time.Second,
		DispatchTimeout:    2 * time.Minute,
		OutputBuffer:       64,
	}
}

// Validate checks the worker settings.
func (c *Config) Validate() error {
	if c.PopTimeout <= 0 {
		return errors.New("worker.pop_timeout must be positive")
	}
	if c.CancelPollInterval <= 0 {
		return errors.New("worker.cancel_poll_interval must be positive")
	}
	if c.DispatchTimeout <= 0 {
		return errors.New("worker.dispatch_timeout must be positive")
	}
	return nil
}

// Runner executes one agent CLI run. *executor.Runner implements it.
type Runner interface {
	Run(ctx context.Context, opts executor.RunOptions) *executor.CLIResult
}

// Options holds the worker's collaborators. Store, Queue and Runner are
// required; the rest are optional.
type Options struct {
	Store    store.Store
	Queue    queue.Queue
	Runner   Runner
	Broker   stream.Broker
	Registry *dispatch.Registry
	Webhooks *webhooks.Manager
	Metrics  *metrics.Metrics
}

// Worker processes queued tasks one at a time.
type Worker struct {
	cfg        *Config
	store      store.Store
	queue      queue.Queue
	runner     Runner
	broker     stream.Broker
	registry   *dispatch.Registry
	hooks      *webhooks.Manager
	metrics    *metrics.Metrics
	correlator *correlation.Correlator
	log        *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker.
func New(cfg *Config, opts Options) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = def.PopTimeout
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = def.CancelPollInterval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = def.OutputBuffer
	}
	registry := opts.Registry
	if registry == nil {
		registry = dispatch.NewRegistry()
	}
	return &Worker{
		cfg:        cfg,
		store:      opts.Store,
		queue:      opts.Queue,
		runner:     opts.Runner,
		broker:     opts.Broker,
		registry:   registry,
		hooks:      opts.Webhooks,
		metrics:    opts.Metrics,
		correlator: correlation.New(opts.Store),
		log:        logging.WithComponent("worker"),
		running:    make(map[string]context.CancelFunc),
	}
}

// Run pops and processes tasks until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker started", slog.Duration("pop_timeout", w.cfg.PopTimeout))
	defer w.wg.Wait()

	for {
		if ctx.Err() != nil {
			w.log.Info("Worker stopped")
			return nil
		}

		taskID, err := w.queue.Pop(ctx, w.cfg.PopTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				w.log.Info("Worker stopped", slog.Any("reason", err))
				return nil
			}
			w.log.Error("Failed to pop task", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if n, err := w.queue.Len(ctx); err == nil {
			w.metrics.SetQueueDepth(n)
		}
		if taskID == "" {
			continue
		}

		if err := w.Process(ctx, taskID); err != nil {
			w.log.Error("Task processing failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
}

// Process runs one task end to end. Tasks that are no longer queued are
// skipped. Runner and dispatch failures are recorded on the task, not
// returned; the error covers store failures only.
func (w *Worker) Process(ctx context.Context, taskID string) error {
	log := w.log.With(slog.String("task_id", taskID))

	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != store.StatusQueued {
		log.Info("Skipping task that is no longer queued", slog.String("status", string(task.Status)))
		return nil
	}
	ok, err := w.store.MarkRunning(ctx, taskID)
	if err != nil {
		return fmt.Errorf("mark task %s running: %w", taskID, err)
	}
	if !ok {
		log.Info("Task left the queued state before it started")
		return nil
	}

	log.Info("Processing task",
		slog.String("command", task.Metadata.Command),
		slog.String("source", task.Source),
		slog.String("completion_handler", task.Metadata.CompletionHandler),
	)
	w.emit(ctx, webhooks.EventTaskStarted, w.taskData(task, string(store.StatusRunning)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.track(taskID, cancel)
	defer w.untrack(taskID)

	stopPoll := w.pollCancel(runCtx, taskID, cancel)
	done := w.metrics.RunStarted()
	res := w.run(runCtx, task)
	done()
	stopPoll()

	// Results are recorded even when the worker itself is shutting down.
	bg := context.WithoutCancel(ctx)

	status := store.StatusCompleted
	if !res.Success {
		status = store.StatusFailed
	}
	if res.Cancelled {
		if ctx.Err() != nil && !w.cancelledInStore(bg, taskID) {
			res.Error = errWorkerStopped
		} else {
			status = store.StatusCancelled
		}
	}
	if status != store.StatusCancelled && w.cancelledInStore(bg, taskID) {
		status = store.StatusCancelled
	}

	result := res.Output
	if res.Success && res.CleanOutput != "" {
		result = res.CleanOutput
	}
	if err := w.store.FinishTask(bg, taskID, store.TaskResult{
		Status:       status,
		Result:       result,
		Error:        res.Error,
		CostUSD:      res.CostUSD,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}); err != nil {
		return fmt.Errorf("store result for task %s: %w", taskID, err)
	}
	w.metrics.RunFinished(string(status), res.Duration, res.CostUSD, res.InputTokens, res.OutputTokens)

	reply := result
	if !res.Success && res.Error != "" {
		reply = res.Error
	}
	if task.ConversationID != "" && reply != "" {
		if err := w.correlator.AppendMessage(bg, task.ConversationID, store.RoleAssistant, reply, taskID); err != nil {
			log.Warn("Failed to append assistant message", slog.Any("error", err))
		}
	}

	data := w.taskData(task, string(status))
	data.DurationMS = res.Duration.Milliseconds()
	data.CostUSD = res.CostUSD
	data.InputTokens = res.InputTokens
	data.OutputTokens = res.OutputTokens
	data.Error = res.Error

	if status == store.StatusCancelled {
		log.Info("Task cancelled, skipping completion", slog.Duration("duration", res.Duration))
		w.emit(bg, webhooks.EventTaskCancelled, data)
		return nil
	}

	posted := w.complete(bg, task, res, result, reply)
	data.Posted = posted
	data.Summary = dispatch.Preview(result, 280)

	event := webhooks.EventTaskCompleted
	if status == store.StatusFailed {
		event = webhooks.EventTaskFailed
	}
	w.emit(bg, event, data)

	log.Info("Task finished",
		slog.String("status", string(status)),
		slog.Bool("posted", posted),
		slog.Float64("cost_usd", res.CostUSD),
		slog.Duration("duration", res.Duration),
	)
	return nil
}

// run executes the runner, forwarding its output to the live stream.
func (w *Worker) run(ctx context.Context, task *store.Task) *executor.CLIResult {
	if w.broker == nil {
		return w.runner.Run(ctx, executor.RunOptions{Prompt: task.Prompt, TaskID: task.ID})
	}

	out := make(chan string, w.cfg.OutputBuffer)
	forwarded := make(chan struct{})
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(forwarded)
		for chunk := range out {
			if err := w.broker.Publish(bg, task.ID, chunk); err != nil {
				w.log.Debug("Dropped output chunk", slog.String("task_id", task.ID), slog.Any("error", err))
			}
		}
	}()

	res := w.runner.Run(ctx, executor.RunOptions{Prompt: task.Prompt, TaskID: task.ID, Output: out})
	<-forwarded
	if err := w.broker.Finish(bg, task.ID); err != nil {
		w.log.Debug("Failed to close output stream", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	return res
}

// complete hands the result to the task's completion handler.
func (w *Worker) complete(ctx context.Context, task *store.Task, res *executor.CLIResult, result, message string) bool {
	handler := task.Metadata.CompletionHandler
	if handler == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	defer cancel()

	return w.registry.Dispatch(ctx, handler, &dispatch.Completion{
		Payload:          task.Metadata.Payload,
		Routing:          task.Metadata.Routing,
		Message:          message,
		Success:          res.Success,
		CostUSD:          res.CostUSD,
		TaskID:           task.ID,
		Command:          task.Metadata.Command,
		Result:           result,
		Error:            res.Error,
		RequiresApproval: task.Metadata.RequiresApproval,
	})
}

// pollCancel cancels the run when another process marks the task cancelled.
// The returned func stops polling and waits for the poller to exit.
func (w *Worker) pollCancel(ctx context.Context, taskID string, cancel context.CancelFunc) func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if w.cancelledInStore(ctx, taskID) {
					w.log.Info("Task cancelled externally", slog.String("task_id", taskID))
					cancel()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-stopped
	}
}

func (w *Worker) cancelledInStore(ctx context.Context, taskID string) bool {
	st, err := w.store.GetTaskStatus(ctx, taskID)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Debug("Status poll failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
		return false
	}
	return st == store.StatusCancelled
}

// Cancel marks a task cancelled. When the task runs in this process its
// subprocess is killed right away; other workers notice on their next poll.
// It returns false when the task had already finished.
func (w *Worker) Cancel(ctx context.Context, taskID string) (bool, error) {
	ok, err := w.store.CancelTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	if !ok {
		return false, nil
	}
	w.mu.Lock()
	cancel, local := w.running[taskID]
	w.mu.Unlock()
	if local {
		cancel()
	}
	w.log.Info("Task cancelled", slog.String("task_id", taskID), slog.Bool("local", local))
	return true, nil
}

// Running returns the ids of tasks currently running in this process.
func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Worker) track(taskID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.running[taskID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(taskID string) {
	w.mu.Lock()
	delete(w.running, taskID)
	w.mu.Unlock()
}

func (w *Worker) taskData(task *store.Task, status string) webhooks.TaskData {
	return webhooks.TaskData{
		TaskID:         task.ID,
		FlowID:         task.FlowID,
		ConversationID: task.ConversationID,
		ExternalID:     task.ExternalID,
		Source:         task.Source,
		Command:        task.Metadata.Command,
		Routing:        task.Metadata.Routing,
		Status:         status,
	}
}

// emit delivers a lifecycle event in the background.
func (w *Worker) emit(ctx context.Context, t webhooks.EventType, data webhooks.TaskData) {
	if !w.hooks.IsEnabled() {
		return
	}
	event := webhooks.NewEvent(t, data)
	ctx = context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.hooks.Dispatch(ctx, event)
	}()
}

// Wait blocks until background webhook deliveries finish.
func (w *Worker) Wait() {
	w.wg.Wait()
}

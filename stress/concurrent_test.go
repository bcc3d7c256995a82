package stress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alekspetrov/hookpilot/e2e/mocks"
	"github.com/alekspetrov/hookpilot/internal/adapters"
	"github.com/alekspetrov/hookpilot/internal/adapters/github"
	"github.com/alekspetrov/hookpilot/internal/audit"
	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/executor"
	"github.com/alekspetrov/hookpilot/internal/gateway"
	"github.com/alekspetrov/hookpilot/internal/idempotency"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/metrics"
	"github.com/alekspetrov/hookpilot/internal/queue"
	"github.com/alekspetrov/hookpilot/internal/store"
	"github.com/alekspetrov/hookpilot/internal/testutil"
	"github.com/alekspetrov/hookpilot/internal/worker"
)

const issueComment = `{
  "action": "created",
  "issue": {"number": %d, "title": "Stress issue", "body": ""},
  "comment": {"id": %d, "body": "@agent ask what does this do?", "user": {"login": "alice", "id": 7, "type": "User"}},
  "repository": {"full_name": "owner/repo"},
  "sender": {"login": "alice", "id": 7, "type": "User"}
}`

// slowRunner stands in for the agent CLI. It holds each run for delay, or
// until the run is cancelled when delay is zero.
type slowRunner struct {
	delay   time.Duration
	metrics *Metrics
}

func (r *slowRunner) Run(ctx context.Context, opts executor.RunOptions) *executor.CLIResult {
	if opts.Output != nil {
		defer close(opts.Output)
	}
	r.metrics.RecordRunStart()
	start := time.Now()

	var wait <-chan time.Time
	if r.delay > 0 {
		wait = time.After(r.delay)
	}
	select {
	case <-wait:
		r.metrics.RecordRunEnd(time.Since(start), false)
		return &executor.CLIResult{Success: true, Output: "done: " + opts.TaskID, CostUSD: 0.001, Duration: time.Since(start)}
	case <-ctx.Done():
		r.metrics.RecordRunEnd(time.Since(start), true)
		return &executor.CLIResult{Cancelled: true, Error: "cancelled", Duration: time.Since(start)}
	}
}

type pipeline struct {
	store   store.Store
	queue   *queue.Memory
	factory *intake.Factory
	workers []*worker.Worker
	handler http.Handler
	stop    func()
}

// newPipeline wires the gateway and n workers sharing one queue.
func newPipeline(t *testing.T, n int, runner worker.Runner, ghURL string) *pipeline {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	auditLog, err := audit.Open(dir)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	m := metrics.New()
	q := queue.NewMemory()
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), &idempotency.Config{
		TTL:        time.Hour,
		Identities: idempotency.Identities{GitHub: []string{"hookpilot-bot"}},
	})
	registry := dispatch.NewRegistry()
	if ghURL != "" {
		client := github.NewClientWithBaseURL(testutil.FakeGitHubToken, ghURL)
		dispatch.New(dispatch.Options{GitHub: client, Marker: guard, Metrics: m}).Register(registry)
	}

	intakeCfg := intake.DefaultConfig()
	matcher, err := intake.NewMatcher(intakeCfg)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	factory, err := intake.NewFactory(intakeCfg, s, q, matcher, m)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}

	p := &pipeline{store: s, queue: q, factory: factory}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := worker.New(&worker.Config{PopTimeout: 50 * time.Millisecond, CancelPollInterval: 50 * time.Millisecond}, worker.Options{
			Store:    s,
			Queue:    q,
			Runner:   runner,
			Registry: registry,
			Metrics:  m,
		})
		p.workers = append(p.workers, w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}

	p.handler = gateway.NewServer(gateway.DefaultConfig(), gateway.Deps{
		Store:     s,
		Factory:   factory,
		Matcher:   matcher,
		Guard:     guard,
		Audit:     auditLog,
		Canceller: p.workers[0],
		Metrics:   m,
		Secrets:   gateway.Secrets{GitHub: testutil.FakeGitHubWebhookSecret},
	}).Handler()

	var once sync.Once
	p.stop = func() {
		once.Do(func() {
			cancel()
			_ = q.Close()
			wg.Wait()
			_ = auditLog.Close()
			_ = s.Close()
		})
	}
	t.Cleanup(p.stop)
	return p
}

func (p *pipeline) deliver(issue int) int {
	body := fmt.Sprintf(issueComment, issue, 10000+issue)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(github.HeaderEvent, "issue_comment")
	req.Header.Set(github.HeaderDelivery, fmt.Sprintf("stress-%d", issue))
	req.Header.Set(github.HeaderSignature, "sha256="+adapters.SignSHA256(testutil.FakeGitHubWebhookSecret, []byte(body)))
	w := httptest.NewRecorder()
	p.handler.ServeHTTP(w, req)
	return w.Code
}

// waitTerminal polls until every task has finished and returns the count per
// status.
func (p *pipeline) waitTerminal(t *testing.T, want int, timeout time.Duration) map[store.TaskStatus]int {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		tasks, err := p.store.ListTasks(context.Background(), want*2)
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		counts := make(map[store.TaskStatus]int)
		for _, task := range tasks {
			counts[task.Status]++
		}
		if len(tasks) == want && counts[store.StatusQueued] == 0 && counts[store.StatusRunning] == 0 {
			return counts
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks did not finish: %d tasks, %v", len(tasks), counts)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestStress_ConcurrentWebhooks delivers many mentions at once and checks
// that each one is queued, run and answered exactly once.
func TestStress_ConcurrentWebhooks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	const (
		numIssues  = 40
		numWorkers = 3
		senders    = 8
	)

	ghMock := mocks.NewGitHubMock()
	defer ghMock.Close()

	sm := NewMetrics()
	p := newPipeline(t, numWorkers, &slowRunner{delay: 20 * time.Millisecond, metrics: sm}, ghMock.URL())

	var accepted int64
	issues := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for issue := range issues {
				if code := p.deliver(issue); code == http.StatusAccepted {
					atomic.AddInt64(&accepted, 1)
				}
				sm.SampleMemoryAndGoroutines()
			}
		}()
	}
	for i := 1; i <= numIssues; i++ {
		issues <- i
	}
	close(issues)
	wg.Wait()

	if accepted != numIssues {
		t.Fatalf("accepted %d deliveries, want %d", accepted, numIssues)
	}

	counts := p.waitTerminal(t, numIssues, time.Minute)
	if counts[store.StatusCompleted] != numIssues {
		t.Errorf("statuses = %v, want %d completed", counts, numIssues)
	}
	sm.Finalize()

	if got := atomic.LoadInt64(&sm.TasksRun); got != numIssues {
		t.Errorf("runs = %d, want %d", got, numIssues)
	}
	if peak := sm.Peak(); peak > numWorkers {
		t.Errorf("peak concurrent runs = %d, want <= %d", peak, numWorkers)
	}

	deadline := time.Now().Add(5 * time.Second)
	for i := 1; i <= numIssues; i++ {
		for len(ghMock.Comments(i)) == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if n := len(ghMock.Comments(i)); n != 1 {
			t.Errorf("issue %d got %d replies, want 1", i, n)
		}
	}

	t.Logf("Runs: %d in %v (%.0f/min), avg %v, peak concurrent %d, peak goroutines %d",
		atomic.LoadInt64(&sm.TasksRun), sm.Duration(), sm.TasksPerMinute(), sm.AverageProcessingTime(), sm.Peak(), sm.GetPeakGoroutines())
}

// TestStress_RapidCancellation cancels every task while workers are picking
// them up. Each task must end cancelled whether it was queued or running.
func TestStress_RapidCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	const (
		numTasks   = 30
		numWorkers = 4
	)

	sm := NewMetrics()
	p := newPipeline(t, numWorkers, &slowRunner{metrics: sm}, "")
	ctx := context.Background()

	ids := make([]string, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		task, err := p.factory.Create(ctx, intake.Request{
			Prompt:     fmt.Sprintf("task %d", i),
			ExternalID: fmt.Sprintf("stress:%d", i),
			Actor:      "stress",
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, task.ID)
	}

	// Let some runs start before cancelling.
	time.Sleep(100 * time.Millisecond)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(w *worker.Worker, id string) {
			defer wg.Done()
			if _, err := w.Cancel(ctx, id); err != nil {
				t.Errorf("Cancel(%s): %v", id, err)
			}
		}(p.workers[i%numWorkers], id)
	}
	wg.Wait()

	counts := p.waitTerminal(t, numTasks, 30*time.Second)
	if counts[store.StatusCancelled] != numTasks {
		t.Errorf("statuses = %v, want %d cancelled", counts, numTasks)
	}
	if n := atomic.LoadInt64(&sm.TasksSucceeded); n != 0 {
		t.Errorf("%d runs completed after cancellation", n)
	}
	if peak := sm.Peak(); peak > numWorkers {
		t.Errorf("peak concurrent runs = %d, want <= %d", peak, numWorkers)
	}
}

// TestStress_GoroutineStability checks that workers and the gateway release
// their goroutines on shutdown.
func TestStress_GoroutineStability(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	// Force GC and get baseline
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	baselineGoroutines := runtime.NumGoroutine()

	const numIssues = 25

	sm := NewMetrics()
	p := newPipeline(t, 5, &slowRunner{delay: 5 * time.Millisecond, metrics: sm}, "")
	for i := 1; i <= numIssues; i++ {
		if code := p.deliver(i); code != http.StatusAccepted {
			t.Fatalf("delivery %d: status %d", i, code)
		}
	}
	p.waitTerminal(t, numIssues, 30*time.Second)
	p.stop()

	// Allow goroutines to clean up
	time.Sleep(500 * time.Millisecond)
	runtime.GC()
	time.Sleep(100 * time.Millisecond)

	finalGoroutines := runtime.NumGoroutine()

	// Allow some tolerance (test runner goroutines, etc.)
	tolerance := 5
	if finalGoroutines > baselineGoroutines+tolerance {
		t.Errorf("Goroutine leak: baseline=%d, final=%d, leaked=%d",
			baselineGoroutines, finalGoroutines, finalGoroutines-baselineGoroutines)
	}

	t.Logf("Goroutines: baseline=%d, final=%d", baselineGoroutines, finalGoroutines)
}

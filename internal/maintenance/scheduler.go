// Package maintenance runs the periodic housekeeping jobs: sweeping expired
// in-memory markers, reaping tasks whose worker died, pruning the webhook
// audit log and dropping idle rate limit buckets.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/store"
)

// ErrWorkerLost is recorded on tasks reaped from the running state.
const ErrWorkerLost = "worker lost"

// Config holds the job schedules in cron syntax. An empty schedule disables
// that job.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	Timezone         string        `yaml:"timezone"`
	MarkerSweep      string        `yaml:"marker_sweep"`
	StaleReap        string        `yaml:"stale_reap"`
	StaleGrace       time.Duration `yaml:"stale_grace"` // added to the runner timeout
	AuditPrune       string        `yaml:"audit_prune"`
	AuditRetention   time.Duration `yaml:"audit_retention"`
	RateLimitCleanup string        `yaml:"rate_limit_cleanup"`
	RateLimitIdle    time.Duration `yaml:"rate_limit_idle"`
}

// DefaultConfig returns the default schedules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		Timezone:         "UTC",
		MarkerSweep:      "@every 1m",
		StaleReap:        "@every 5m",
		StaleGrace:       5 * time.Minute,
		AuditPrune:       "@daily",
		AuditRetention:   30 * 24 * time.Hour,
		RateLimitCleanup: "@every 10m",
		RateLimitIdle:    time.Hour,
	}
}

// Validate parses every schedule.
func (c *Config) Validate() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"marker_sweep":       c.MarkerSweep,
		"stale_reap":         c.StaleReap,
		"audit_prune":        c.AuditPrune,
		"rate_limit_cleanup": c.RateLimitCleanup,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
	}
	return nil
}

// Sweeper drops expired markers. *idempotency.MemoryStore implements it.
type Sweeper interface {
	Sweep() int
}

// Pruner deletes audit rows older than a cutoff. *audit.Log implements it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner drops idle rate limit buckets. *intake.RateLimiter implements it.
type Cleaner interface {
	Cleanup(maxAge time.Duration) int
}

// Jobs holds the job targets. Nil targets skip their job.
type Jobs struct {
	Markers Sweeper
	Store   store.Store
	// StaleAfter is how long a task may stay running before it is reaped,
	// normally the runner timeout plus its kill grace period.
	StaleAfter time.Duration
	Audit      Pruner
	Limiter    Cleaner
}

// Scheduler runs the maintenance jobs on cron schedules.
type Scheduler struct {
	config  *Config
	jobs    Jobs
	cron    *cron.Cron
	entries map[string]cron.EntryID
	now     func() time.Time
	mu      sync.Mutex
	running bool
	log     *slog.Logger
}

// NewScheduler creates a scheduler. It does not start it.
func NewScheduler(config *Config, jobs Jobs) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	log := logging.WithComponent("maintenance")

	loc := time.UTC
	if config.Timezone != "" {
		l, err := time.LoadLocation(config.Timezone)
		if err != nil {
			log.Warn("Invalid timezone, using UTC", slog.String("timezone", config.Timezone), slog.Any("error", err))
		} else {
			loc = l
		}
	}

	return &Scheduler{
		config:  config,
		jobs:    jobs,
		cron:    cron.New(cron.WithLocation(loc)),
		entries: make(map[string]cron.EntryID),
		now:     time.Now,
		log:     log,
	}
}

// Start registers the configured jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.config.Enabled {
		s.log.Info("Maintenance scheduler disabled")
		return nil
	}

	add := func(name, spec string, enabled bool, job func()) error {
		if spec == "" || !enabled {
			return nil
		}
		id, err := s.cron.AddFunc(spec, job)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		s.entries[name] = id
		return nil
	}

	if err := add("marker_sweep", s.config.MarkerSweep, s.jobs.Markers != nil, func() {
		s.SweepMarkers()
	}); err != nil {
		return err
	}
	if err := add("stale_reap", s.config.StaleReap, s.jobs.Store != nil && s.jobs.StaleAfter > 0, func() {
		if _, err := s.ReapStale(ctx); err != nil {
			s.log.Error("Stale task reap failed", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	if err := add("audit_prune", s.config.AuditPrune, s.jobs.Audit != nil && s.config.AuditRetention > 0, func() {
		if _, err := s.PruneAudit(ctx); err != nil {
			s.log.Error("Audit prune failed", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	if err := add("rate_limit_cleanup", s.config.RateLimitCleanup, s.jobs.Limiter != nil, func() {
		s.CleanupRateLimits()
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	s.log.Info("Maintenance scheduler started", slog.Int("jobs", len(s.entries)))
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("Maintenance scheduler stopped")
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// NextRun returns when job runs next, or the zero time when it is not
// scheduled.
func (s *Scheduler) NextRun(job string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[job]
	if !ok || !s.running {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// SweepMarkers drops expired posted markers.
func (s *Scheduler) SweepMarkers() int {
	if s.jobs.Markers == nil {
		return 0
	}
	n := s.jobs.Markers.Sweep()
	if n > 0 {
		s.log.Debug("Swept expired markers", slog.Int("count", n))
	}
	return n
}

// ReapStale fails tasks that have been running longer than StaleAfter. Their
// worker is gone, so nobody else will finish them.
func (s *Scheduler) ReapStale(ctx context.Context) (int, error) {
	if s.jobs.Store == nil || s.jobs.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.jobs.StaleAfter)
	tasks, err := s.jobs.Store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	reaped := 0
	for _, t := range tasks {
		err := s.jobs.Store.FinishTask(ctx, t.ID, store.TaskResult{
			Status:       store.StatusFailed,
			Result:       t.Result,
			Error:        ErrWorkerLost,
			CostUSD:      t.CostUSD,
			InputTokens:  t.InputTokens,
			OutputTokens: t.OutputTokens,
		})
		if err != nil {
			s.log.Error("Failed to reap stale task", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		reaped++
		s.log.Warn("Reaped stale task", slog.String("task_id", t.ID), slog.Time("started_at", derefTime(t.StartedAt)))
	}
	return reaped, nil
}

// PruneAudit deletes audit rows older than the retention window.
func (s *Scheduler) PruneAudit(ctx context.Context) (int64, error) {
	if s.jobs.Audit == nil || s.config.AuditRetention <= 0 {
		return 0, nil
	}
	n, err := s.jobs.Audit.Prune(ctx, s.now().Add(-s.config.AuditRetention))
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	if n > 0 {
		s.log.Info("Pruned audit log", slog.Int64("rows", n))
	}
	return n, nil
}

// CleanupRateLimits drops rate limit buckets idle for RateLimitIdle.
func (s *Scheduler) CleanupRateLimits() int {
	if s.jobs.Limiter == nil {
		return 0
	}
	idle := s.config.RateLimitIdle
	if idle <= 0 {
		idle = time.Hour
	}
	return s.jobs.Limiter.Cleanup(idle)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

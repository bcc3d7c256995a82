package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/hookpilot/internal/adapters/github"
	"github.com/alekspetrov/hookpilot/internal/adapters/jira"
	"github.com/alekspetrov/hookpilot/internal/adapters/slack"
	"github.com/alekspetrov/hookpilot/internal/audit"
	"github.com/alekspetrov/hookpilot/internal/config"
	"github.com/alekspetrov/hookpilot/internal/dispatch"
	"github.com/alekspetrov/hookpilot/internal/executor"
	"github.com/alekspetrov/hookpilot/internal/gateway"
	"github.com/alekspetrov/hookpilot/internal/idempotency"
	"github.com/alekspetrov/hookpilot/internal/intake"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/maintenance"
	"github.com/alekspetrov/hookpilot/internal/metrics"
	"github.com/alekspetrov/hookpilot/internal/queue"
	"github.com/alekspetrov/hookpilot/internal/store"
	"github.com/alekspetrov/hookpilot/internal/stream"
	"github.com/alekspetrov/hookpilot/internal/webhooks"
	"github.com/alekspetrov/hookpilot/internal/worker"
)

const markerPrefix = "hookpilot:posted:"

// app holds the components of one hookpilot process.
type app struct {
	cfg       *config.Config
	store     store.Store
	audit     *audit.Log
	redis     *redis.Client
	queue     queue.Queue
	broker    stream.Broker
	guard     *idempotency.Guard
	sweeper   maintenance.Sweeper
	metrics   *metrics.Metrics
	factory   *intake.Factory
	runner    *executor.Runner
	hooks     *webhooks.Manager
	worker    *worker.Worker
	server    *gateway.Server
	scheduler *maintenance.Scheduler
	log       *slog.Logger
}

// loadConfig reads --config, or the default path, and validates it.
func loadConfig() (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// adapterClients are the platform clients of the enabled adapters.
type adapterClients struct {
	github *github.Client
	jira   *jira.Client
	slack  *slack.Client
}

func newAdapterClients(cfg *config.AdaptersConfig) adapterClients {
	var c adapterClients
	if cfg == nil {
		return c
	}
	if cfg.GitHub != nil && cfg.GitHub.Enabled {
		c.github = github.New(cfg.GitHub)
	}
	if cfg.Jira != nil && cfg.Jira.Enabled {
		c.jira = jira.NewClient(cfg.Jira.BaseURL, cfg.Jira.Username, cfg.Jira.APIToken, cfg.Jira.Platform)
	}
	if cfg.Slack != nil && cfg.Slack.Enabled {
		c.slack = slack.NewClient(cfg.Slack.BotToken)
	}
	return c
}

// newApp opens the backends and wires every component. Nothing is started.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a := &app{cfg: cfg, metrics: metrics.New(), log: logging.WithComponent("app")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = store.Open(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	if a.audit, err = audit.Open(cfg.DataDir); err != nil {
		return nil, err
	}
	if cfg.UsesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
	}
	if a.queue, err = queue.New(cfg.Queue, a.redis); err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	if a.broker, err = stream.New(cfg.Stream, a.redis); err != nil {
		return nil, fmt.Errorf("failed to create stream broker: %w", err)
	}

	idem := idempotency.DefaultConfig()
	if cfg.Idempotency != nil {
		*idem = *cfg.Idempotency
	}
	idem.Identities = cfg.Identities()
	var markers idempotency.MarkerStore
	if idem.Backend == "redis" {
		markers = idempotency.NewRedisStore(a.redis, markerPrefix)
	} else {
		mem := idempotency.NewMemoryStore()
		markers, a.sweeper = mem, mem
	}
	a.guard = idempotency.NewGuard(markers, idem)

	clients := newAdapterClients(cfg.Adapters)
	opts := dispatch.Options{Marker: a.guard, Metrics: a.metrics}
	var updater gateway.MessageUpdater
	var reactor gateway.Reactor
	if clients.github != nil {
		opts.GitHub = clients.github
		reactor = clients.github
	}
	if clients.jira != nil {
		opts.Jira = clients.jira
	}
	if clients.slack != nil {
		opts.Slack = clients.slack
		updater = clients.slack
	}
	if cfg.Approval != nil && cfg.Approval.SigningKey != "" {
		opts.Signer = dispatch.NewSigner(cfg.Approval.SigningKey, cfg.Approval.TTL)
	}
	opts.Notifier = dispatch.NewNotifier(opts.Slack, a.guard, cfg.Notifier)
	registry := dispatch.NewRegistry()
	dispatch.New(opts).Register(registry)

	a.hooks = webhooks.NewManager(cfg.Webhooks, a.metrics)

	matcher, err := intake.NewMatcher(cfg.Intake)
	if err != nil {
		return nil, fmt.Errorf("failed to build command matcher: %w", err)
	}
	if a.factory, err = intake.NewFactory(cfg.Intake, a.store, a.queue, matcher, a.metrics); err != nil {
		return nil, fmt.Errorf("failed to build task factory: %w", err)
	}

	a.runner = executor.NewRunner(cfg.Runner)
	a.worker = worker.New(cfg.Worker, worker.Options{
		Store:    a.store,
		Queue:    a.queue,
		Runner:   a.runner,
		Broker:   a.broker,
		Registry: registry,
		Webhooks: a.hooks,
		Metrics:  a.metrics,
	})

	ackReaction := ""
	if cfg.Adapters != nil && cfg.Adapters.GitHub != nil {
		ackReaction = cfg.Adapters.GitHub.AckReaction
	}
	a.server = gateway.NewServer(cfg.Gateway, gateway.Deps{
		Store:       a.store,
		Factory:     a.factory,
		Matcher:     matcher,
		Guard:       a.guard,
		Audit:       a.audit,
		Broker:      a.broker,
		Canceller:   a.worker,
		Signer:      opts.Signer,
		Slack:       updater,
		GitHub:      reactor,
		AckReaction: ackReaction,
		Metrics:     a.metrics,
		Secrets:     webhookSecrets(cfg.Adapters),
	})

	a.scheduler = maintenance.NewScheduler(cfg.Maintenance, a.maintenanceJobs())
	return a, nil
}

func webhookSecrets(cfg *config.AdaptersConfig) gateway.Secrets {
	var s gateway.Secrets
	if cfg == nil {
		return s
	}
	if cfg.GitHub != nil && cfg.GitHub.Enabled {
		s.GitHub = cfg.GitHub.WebhookSecret
	}
	if cfg.Jira != nil && cfg.Jira.Enabled {
		s.Jira = cfg.Jira.WebhookSecret
	}
	if cfg.Slack != nil && cfg.Slack.Enabled {
		s.Slack = cfg.Slack.SigningSecret
	}
	return s
}

func (a *app) maintenanceJobs() maintenance.Jobs {
	jobs := maintenance.Jobs{
		Store:   a.store,
		Audit:   a.audit,
		Limiter: a.factory.Limiter(),
	}
	if a.sweeper != nil {
		jobs.Markers = a.sweeper
	}
	if a.cfg.Runner != nil && a.cfg.Runner.Timeout > 0 {
		grace := maintenance.DefaultConfig().StaleGrace
		if a.cfg.Maintenance != nil {
			grace = a.cfg.Maintenance.StaleGrace
		}
		jobs.StaleAfter = a.cfg.Runner.Timeout + grace
	}
	return jobs
}

// Close releases the backends. It is safe on a partially built app.
func (a *app) Close() {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("Error during shutdown", slog.Any("error", err))
	}
}

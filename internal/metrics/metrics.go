// Package metrics defines the Prometheus collectors of the pipeline. A nil
// *Metrics is valid and records nothing, so components can be built without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookpilot"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	webhooks      *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runCost       prometheus.Counter
	tokens        *prometheus.CounterVec
	posts         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	running       prometheus.Gauge
}

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Inbound webhooks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_suppressed_total",
			Help:      "Inbound webhooks dropped by the loop guard.",
		}, []string{"provider", "reason"}),
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created by source and command.",
		}, []string{"source", "command"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks finished by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Agent CLI run duration.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"status"}),
		runCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_cost_usd_total",
			Help:      "Accumulated agent cost in USD.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_tokens_total",
			Help:      "Agent tokens by direction.",
		}, []string{"direction"}),
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_posts_total",
			Help:      "Completion post-backs by handler and outcome.",
		}, []string{"handler", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_notifications_total",
			Help:      "Ops channel notifications by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_webhook_deliveries_total",
			Help:      "Outbound lifecycle webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Task ids waiting in the queue.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently executing in this process.",
		}),
	}
	m.registry.MustRegister(
		m.webhooks, m.suppressed, m.tasksCreated, m.tasksFinished, m.runDuration,
		m.runCost, m.tokens, m.posts, m.notifications, m.deliveries, m.queueDepth, m.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WebhookReceived(provider, outcome string) {
	if m != nil {
		m.webhooks.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) WebhookSuppressed(provider, reason string) {
	if m != nil {
		m.suppressed.WithLabelValues(provider, reason).Inc()
	}
}

func (m *Metrics) TaskCreated(source, command string) {
	if m != nil {
		m.tasksCreated.WithLabelValues(source, command).Inc()
	}
}

// RunFinished records one runner result.
func (m *Metrics) RunFinished(status string, d time.Duration, costUSD float64, inTokens, outTokens int64) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
	if costUSD > 0 {
		m.runCost.Add(costUSD)
	}
	if inTokens > 0 {
		m.tokens.WithLabelValues("input").Add(float64(inTokens))
	}
	if outTokens > 0 {
		m.tokens.WithLabelValues("output").Add(float64(outTokens))
	}
}

func (m *Metrics) CompletionPosted(handler string, ok bool) {
	if m != nil {
		m.posts.WithLabelValues(handler, outcome(ok)).Inc()
	}
}

func (m *Metrics) Notification(result string) {
	if m != nil {
		m.notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Delivery(event string, ok bool) {
	if m != nil {
		m.deliveries.WithLabelValues(event, outcome(ok)).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int64) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// RunStarted increments the running gauge and returns its decrement.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.running.Inc()
	return m.running.Dec
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alekspetrov/hookpilot/internal/adapters"
	"github.com/alekspetrov/hookpilot/internal/logging"
	"github.com/alekspetrov/hookpilot/internal/metrics"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Hookpilot-Event"
	HeaderSignature = "X-Hookpilot-Signature"
	HeaderDelivery  = "X-Hookpilot-Delivery"
	HeaderTimestamp = "X-Hookpilot-Timestamp"
)

// Manager handles webhook delivery to configured endpoints.
type Manager struct {
	config     *Config
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	mu         sync.Mutex

	deliveries     int64
	failures       int64
	retries        int64
	lastDeliveryAt time.Time
}

// DeliveryResult is the outcome of delivering one event to one endpoint.
type DeliveryResult struct {
	EndpointID string
	Success    bool
	StatusCode int
	Attempts   int
	Error      error
	Duration   time.Duration
}

// NewManager creates a manager. m may be nil.
func NewManager(config *Config, m *metrics.Metrics) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:     config,
		httpClient: &http.Client{},
		metrics:    m,
		logger:     logging.WithComponent("webhooks"),
	}
}

// IsEnabled reports whether any delivery can happen.
func (m *Manager) IsEnabled() bool {
	return m != nil && m.config.Enabled && len(m.config.Endpoints) > 0
}

// Dispatch sends event to every subscribed endpoint concurrently and waits
// for all deliveries.
func (m *Manager) Dispatch(ctx context.Context, event *Event) []DeliveryResult {
	if !m.IsEnabled() {
		return nil
	}

	var (
		results []DeliveryResult
		resMu   sync.Mutex
		wg      sync.WaitGroup
	)
	for _, endpoint := range m.config.Endpoints {
		if !endpoint.Enabled || !endpoint.SubscribesTo(event.Type) {
			continue
		}
		wg.Add(1)
		go func(ep *EndpointConfig) {
			defer wg.Done()
			result := m.deliver(ctx, ep, event)
			m.metrics.Delivery(string(event.Type), result.Success)
			resMu.Lock()
			results = append(results, result)
			resMu.Unlock()
		}(endpoint)
	}
	wg.Wait()
	return results
}

func (m *Manager) deliver(ctx context.Context, endpoint *EndpointConfig, event *Event) DeliveryResult {
	startTime := time.Now()
	retryConfig := endpoint.GetRetry(m.config.Defaults)
	timeout := endpoint.GetTimeout(m.config.Defaults)
	log := m.logger.With(slog.String("endpoint", endpoint.Name), slog.String("event", string(event.Type)))

	result := DeliveryResult{EndpointID: endpoint.ID}

	body, err := json.Marshal(event)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal event: %w", err)
		result.Duration = time.Since(startTime)
		return result
	}
	var signature string
	if endpoint.Secret != "" {
		signature = "sha256=" + adapters.SignSHA256(endpoint.Secret, body)
	}

	delay := retryConfig.InitialDelay
	for attempt := 1; attempt <= retryConfig.MaxAttempts; attempt++ {
		result.Attempts = attempt

		status, err := m.post(ctx, endpoint, event, body, signature, timeout)
		result.StatusCode = status
		if err == nil {
			result.Success = true
			result.Error = nil
			result.Duration = time.Since(startTime)
			m.record(func() { m.deliveries++; m.lastDeliveryAt = time.Now() })
			log.Debug("Webhook delivered", slog.Int("status", status))
			return result
		}
		result.Error = err
		log.Warn("Webhook delivery failed", slog.Int("attempt", attempt), slog.Any("error", err))

		// 4xx other than 429 will not succeed on retry.
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			break
		}
		if attempt >= retryConfig.MaxAttempts {
			break
		}

		m.record(func() { m.retries++ })
		select {
		case <-ctx.Done():
			result.Error = ctx.Err()
			result.Duration = time.Since(startTime)
			return result
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * retryConfig.Multiplier)
		if delay > retryConfig.MaxDelay {
			delay = retryConfig.MaxDelay
		}
	}

	result.Duration = time.Since(startTime)
	m.record(func() { m.failures++ })
	log.Error("Webhook delivery gave up",
		slog.Int("attempts", result.Attempts),
		slog.Any("error", result.Error),
	)
	return result
}

func (m *Manager) post(ctx context.Context, endpoint *EndpointConfig, event *Event, body []byte, signature string, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookpilot-webhooks/1.0")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, event.Timestamp.Format(time.RFC3339))
	if signature != "" {
		req.Header.Set(HeaderSignature, signature)
	}
	for k, v := range endpoint.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// VerifySignature checks a delivery's X-Hookpilot-Signature header. It is
// exported for receivers written in Go.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return adapters.VerifySHA256(secret, body, signature)
}

// Stats returns delivery counters.
func (m *Manager) Stats() (deliveries, failures, retries int64, lastDelivery time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries, m.failures, m.retries, m.lastDeliveryAt
}

func (m *Manager) record(f func()) {
	m.mu.Lock()
	f()
	m.mu.Unlock()
}

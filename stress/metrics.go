// Package stress provides stress testing utilities for hookpilot.
package stress

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects stress test measurements.
type Metrics struct {
	// Task runs
	TasksRun          int64
	TasksSucceeded    int64
	TasksCancelled    int64
	ProcessingTimeSum int64 // nanoseconds

	// Concurrency
	PeakGoroutines    int
	CurrentGoroutines int
	PeakConcurrent    int64
	currentConcurrent int64

	// Memory
	InitialMemory uint64
	PeakMemory    uint64
	FinalMemory   uint64

	// Timing
	StartTime time.Time
	EndTime   time.Time

	mu sync.Mutex
}

// NewMetrics creates a new metrics collector with initial memory snapshot.
func NewMetrics() *Metrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &Metrics{
		InitialMemory:     memStats.Alloc,
		PeakMemory:        memStats.Alloc,
		StartTime:         time.Now(),
		PeakGoroutines:    runtime.NumGoroutine(),
		CurrentGoroutines: runtime.NumGoroutine(),
	}
}

// RecordRunStart marks the beginning of an agent run and tracks concurrency.
func (m *Metrics) RecordRunStart() {
	current := atomic.AddInt64(&m.currentConcurrent, 1)

	m.mu.Lock()
	if current > m.PeakConcurrent {
		m.PeakConcurrent = current
	}
	m.mu.Unlock()
}

// RecordRunEnd marks the end of a run.
func (m *Metrics) RecordRunEnd(duration time.Duration, cancelled bool) {
	atomic.AddInt64(&m.TasksRun, 1)
	if cancelled {
		atomic.AddInt64(&m.TasksCancelled, 1)
	} else {
		atomic.AddInt64(&m.TasksSucceeded, 1)
	}
	atomic.AddInt64(&m.ProcessingTimeSum, int64(duration))
	atomic.AddInt64(&m.currentConcurrent, -1)
}

// SampleMemoryAndGoroutines takes a snapshot of memory and goroutine count.
// Call periodically during the test.
func (m *Metrics) SampleMemoryAndGoroutines() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	goroutines := runtime.NumGoroutine()

	m.mu.Lock()
	defer m.mu.Unlock()

	if memStats.Alloc > m.PeakMemory {
		m.PeakMemory = memStats.Alloc
	}
	if goroutines > m.PeakGoroutines {
		m.PeakGoroutines = goroutines
	}
	m.CurrentGoroutines = goroutines
}

// Finalize captures final metrics snapshot.
func (m *Metrics) Finalize() {
	m.EndTime = time.Now()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	m.FinalMemory = memStats.Alloc
	m.CurrentGoroutines = runtime.NumGoroutine()
	m.mu.Unlock()
}

// Duration returns the total test duration.
func (m *Metrics) Duration() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}
	return m.EndTime.Sub(m.StartTime)
}

// TasksPerMinute returns the processing rate.
func (m *Metrics) TasksPerMinute() float64 {
	duration := m.Duration()
	if duration == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.TasksRun)) / duration.Minutes()
}

// AverageProcessingTime returns average time per run.
func (m *Metrics) AverageProcessingTime() time.Duration {
	run := atomic.LoadInt64(&m.TasksRun)
	if run == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.ProcessingTimeSum) / run)
}

// Peak returns the highest number of simultaneous runs.
func (m *Metrics) Peak() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PeakConcurrent
}

// GetPeakGoroutines returns peak goroutine count (thread-safe).
func (m *Metrics) GetPeakGoroutines() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PeakGoroutines
}

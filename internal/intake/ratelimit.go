package intake

import (
	"sync"
	"time"
)

// RateLimitConfig bounds how many tasks one actor can start.
type RateLimitConfig struct {
	Enabled      bool `yaml:"enabled"`
	TasksPerHour int  `yaml:"tasks_per_hour"` // default: 10
	BurstSize    int  `yaml:"burst_size"`     // default: 5
}

// DefaultRateLimitConfig returns default rate limit configuration.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:      true,
		TasksPerHour: 10,
		BurstSize:    5,
	}
}

// RateLimiter is a per-actor token bucket.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*tokenBucket
	now     func() time.Time
	mu      sync.Mutex
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	rate       float64 // tokens per second
	burst      int
}

// NewRateLimiter creates a limiter. A nil config uses the defaults.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow takes one token from key's bucket.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || !r.config.Enabled || key == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.getOrCreateBucket(key)
	bucket.refill(r.now())

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// Remaining returns the whole tokens left for key, or -1 when unlimited.
func (r *RateLimiter) Remaining(key string) int {
	if r == nil || !r.config.Enabled {
		return -1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.getOrCreateBucket(key)
	bucket.refill(r.now())
	return int(bucket.tokens)
}

func (r *RateLimiter) getOrCreateBucket(key string) *tokenBucket {
	bucket, exists := r.buckets[key]
	if !exists {
		burst := r.config.TasksPerHour
		if r.config.BurstSize > 0 && r.config.BurstSize < burst {
			burst = r.config.BurstSize
		}
		bucket = &tokenBucket{
			tokens:     float64(burst),
			lastRefill: r.now(),
			rate:       float64(r.config.TasksPerHour) / 3600.0,
			burst:      burst,
		}
		r.buckets[key] = bucket
	}
	return bucket
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
}

// Cleanup drops buckets idle for longer than maxAge.
func (r *RateLimiter) Cleanup(maxAge time.Duration) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for key, bucket := range r.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

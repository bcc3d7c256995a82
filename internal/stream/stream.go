// Package stream carries live runner output from the worker to anyone
// tailing a task. Chunks are best effort: a slow subscriber loses chunks
// rather than stalling the runner.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix prefixes the Redis pub/sub channel of a task.
const ChannelPrefix = "hookpilot:output:"

// eof marks the end of a task's output on Redis.
const eof = "\x00hookpilot:eof"

// subscriberBuffer is the per-subscriber chunk buffer.
const subscriberBuffer = 256

// Broker fans runner output out to subscribers. The channel returned by
// Subscribe is closed when the task finishes or cancel is called.
type Broker interface {
	Publish(ctx context.Context, taskID, chunk string) error
	Finish(ctx context.Context, taskID string) error
	Subscribe(ctx context.Context, taskID string) (<-chan string, func(), error)
}

// Config selects a backend.
type Config struct {
	Backend string `yaml:"backend"` // memory or redis
}

// New returns the backend named by cfg. client is required for redis.
func New(cfg *Config, client *redis.Client) (Broker, error) {
	backend := ""
	if cfg != nil {
		backend = cfg.Backend
	}
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis stream requires a redis client")
		}
		return NewRedis(client), nil
	}
	return nil, fmt.Errorf("unknown stream backend %q", backend)
}

// Memory is an in-process broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan string]struct{}
}

// NewMemory creates an empty broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan string]struct{})}
}

func (b *Memory) Publish(_ context.Context, taskID, chunk string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[taskID] {
		select {
		case ch <- chunk:
		default:
		}
	}
	return nil
}

func (b *Memory) Finish(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[taskID] {
		close(ch)
	}
	delete(b.subs, taskID)
	return nil
}

func (b *Memory) Subscribe(_ context.Context, taskID string) (<-chan string, func(), error) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[chan string]struct{})
	}
	b.subs[taskID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[taskID][ch]; ok {
				delete(b.subs[taskID], ch)
				if len(b.subs[taskID]) == 0 {
					delete(b.subs, taskID)
				}
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Redis publishes chunks on "hookpilot:output:<task_id>" so a gateway can
// tail a task running in another process.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a broker on client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (b *Redis) Publish(ctx context.Context, taskID, chunk string) error {
	return b.client.Publish(ctx, ChannelPrefix+taskID, chunk).Err()
}

func (b *Redis) Finish(ctx context.Context, taskID string) error {
	return b.client.Publish(ctx, ChannelPrefix+taskID, eof).Err()
}

func (b *Redis) Subscribe(ctx context.Context, taskID string) (<-chan string, func(), error) {
	ps := b.client.Subscribe(ctx, ChannelPrefix+taskID)
	// Wait for the subscription confirmation so no publish is missed
	// between Subscribe returning and the first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to task %s: %w", taskID, err)
	}

	out := make(chan string, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok || msg.Payload == eof {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

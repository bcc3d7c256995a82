// Package queue is the FIFO of task ids between intake and the worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis list holding queued task ids.
const DefaultKey = "hookpilot:tasks"

// ErrClosed is returned by Pop after Close.
var ErrClosed = errors.New("queue closed")

// Queue hands task ids to workers. Pop returns "" and no error when timeout
// elapses without an item.
type Queue interface {
	Push(ctx context.Context, taskID string) error
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string `yaml:"backend"` // memory or redis
	Key     string `yaml:"key"`
}

// DefaultConfig returns an in-process queue.
func DefaultConfig() *Config {
	return &Config{Backend: "memory", Key: DefaultKey}
}

// New returns the backend named by cfg. client is required for redis.
func New(cfg *Config, client *redis.Client) (Queue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis queue requires a redis client")
		}
		return NewRedis(client, cfg.Key), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
}

// Memory is an unbounded in-process queue.
type Memory struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
	closed bool
}

// NewMemory creates an empty queue.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (q *Memory) Push(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, taskID)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 && !q.closed {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return id, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", ErrClosed
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *Memory) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}

// Redis is a list-backed queue: RPUSH to enqueue, BLPOP to dequeue, so
// several worker processes can share it.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis creates a queue on the list named key.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

func (q *Redis) Push(ctx context.Context, taskID string) error {
	if err := q.client.RPush(ctx, q.key, taskID).Err(); err != nil {
		return fmt.Errorf("failed to push task %s: %w", taskID, err)
	}
	return nil
}

func (q *Redis) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop task: %w", err)
	}
	// BLPOP replies [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply %v", res)
	}
	return res[1], nil
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close is a no-op; the client is owned by the caller.
func (q *Redis) Close() error { return nil }

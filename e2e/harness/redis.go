package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHarness reads job status events published by the broker
type RedisHarness struct {
	client *redis.Client
}

// NewRedisHarness creates a new Redis harness
func NewRedisHarness(url string) (*RedisHarness, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisHarness{client: client}, nil
}

// StatusEvent is the subset of a published event the tests look at
type StatusEvent struct {
	JobID  string `json:"jobId"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Worker string `json:"worker"`
}

// StreamStatuses returns the statuses recorded in stream for one job, oldest first
func (h *RedisHarness) StreamStatuses(ctx context.Context, stream, jobID string) ([]string, error) {
	entries, err := h.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Values["jobId"] == jobID {
			out = append(out, fmt.Sprint(e.Values["status"]))
		}
	}
	return out, nil
}

// WaitForTerminal waits on the pub/sub channel until jobID reaches a terminal status
func (h *RedisHarness) WaitForTerminal(ctx context.Context, channel, jobID string, timeout time.Duration) ([]StatusEvent, error) {
	pubsub := h.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events []StatusEvent
	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			var ev StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.JobID != jobID {
				continue
			}
			events = append(events, ev)
			switch ev.Status {
			case "FINISHED", "FAILED", "EXPIRED":
				return events, nil
			}
		case <-timeoutCtx.Done():
			return events, fmt.Errorf("timeout waiting for job %s", jobID)
		}
	}
}

// Close closes the Redis connection
func (h *RedisHarness) Close() error {
	return h.client.Close()
}

// Client returns the underlying Redis client
func (h *RedisHarness) Client() *redis.Client {
	return h.client
}

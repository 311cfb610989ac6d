// Package statuspub publishes job status changes to Redis for dashboards and
// downstream consumers.
//
//	broker                                 Redis
//	┌───────────┐  PUBLISH <channel>      ┌──────────┐
//	│ status    │ ──────────────────────▶ │ Pub/Sub  │ → live views
//	│ publisher │  XADD <stream>          ┌──────────┐
//	│           │ ──────────────────────▶ │ Streams  │ → durable consumers
//	└───────────┘                         └──────────┘
package statuspub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/config"
)

// nodeIDPattern restricts node ids to characters safe in key names.
var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ErrInvalidNodeID indicates a node id that fails nodeIDPattern
var ErrInvalidNodeID = errors.New("invalid node ID: must be 1-64 alphanumeric characters, hyphens, underscores, or dots")

// streamMaxLen caps the stream so it cannot grow without bound.
const streamMaxLen = 10000

// Event is one job status change.
type Event struct {
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"nodeId"`
	JobID     string `json:"jobId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Progress  string `json:"progress,omitempty"`
	Worker    string `json:"worker,omitempty"`
}

// Publisher writes events to a pub/sub channel and a stream.
type Publisher struct {
	client  *redis.Client
	nodeID  string
	channel string
	stream  string
	logger  *zap.Logger
}

// New creates a publisher from the redis section of the configuration.
func New(cfg config.RedisConfig, nodeID string, logger *zap.Logger) (*Publisher, error) {
	if !nodeIDPattern.MatchString(nodeID) {
		return nil, ErrInvalidNodeID
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "meshdispatch:status"
	}
	stream := cfg.Stream
	if stream == "" {
		stream = channel + ":stream"
	}

	return &Publisher{
		client:  redis.NewClient(opts),
		nodeID:  nodeID,
		channel: channel,
		stream:  stream,
		logger:  logger.Named("statuspub"),
	}, nil
}

// Ping verifies the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Publish stamps ev with the node id and time and sends it to both the
// channel and the stream.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	ev.Version = "1.0"
	ev.NodeID = p.nodeID
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Pub/Sub: %w", err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"nodeId":  p.nodeID,
			"jobId":   ev.JobID,
			"status":  ev.Status,
			"payload": string(data),
		},
		MaxLen: streamMaxLen,
		Approx: true,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	p.logger.Debug("status published", zap.String("job", ev.JobID), zap.String("status", ev.Status))
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error { return p.client.Close() }

// Channel returns the pub/sub channel name.
func (p *Publisher) Channel() string { return p.channel }

// Stream returns the stream name.
func (p *Publisher) Stream() string { return p.stream }

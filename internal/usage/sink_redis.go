package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenmeter/internal/core"
)

// DefaultRedisStream is the stream events are added to when none is configured.
const DefaultRedisStream = "tokenmeter:usage_events"

// RedisConfig holds Redis stream sink configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0")
	URL string

	// Stream is the stream key (defaults to "tokenmeter:usage_events")
	Stream string

	// MaxLen caps the stream length approximately with MAXLEN ~. 0 keeps
	// every entry. A positive value makes Redis evict the oldest events, so
	// the stream is no longer append-only; downstream consumers must read
	// entries before they are trimmed.
	MaxLen int64
}

// RedisSink adds each event as one entry of a Redis stream.
// XADD is atomic per entry, so concurrent appends need no local locking.
// Entries are never rewritten, but with a positive max length Redis trims
// the oldest ones.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, core.NewSinkError("redis", fmt.Errorf("invalid redis URL: %w", err))
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, core.NewSinkError("redis", fmt.Errorf("failed to connect to redis: %w", err))
	}

	stream := cfg.Stream
	if stream == "" {
		stream = DefaultRedisStream
	}

	slog.Info("redis usage sink connected", "stream", stream, "max_len", cfg.MaxLen)

	return NewRedisSinkFromClient(client, stream, cfg.MaxLen), nil
}

// NewRedisSinkFromClient wraps an existing client. The sink takes ownership of it.
func NewRedisSinkFromClient(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if maxLen > 0 {
		slog.Warn("redis usage sink trims its stream; the oldest events will be evicted",
			"stream", stream, "max_len", maxLen)
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Append adds the event JSON under the "event" field.
func (s *RedisSink) Append(ctx context.Context, event *UsageEvent) error {
	if event == nil {
		return core.NewSinkError("redis", errors.New("nil event"))
	}

	data, err := json.Marshal(event)
	if err != nil {
		return core.NewSinkError("redis", fmt.Errorf("failed to encode event: %w", err))
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"request_id": event.RequestID,
			"event":      string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return core.NewSinkError("redis", fmt.Errorf("xadd %s: %w", s.stream, err))
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

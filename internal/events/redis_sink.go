package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "agentmesh:events"

// RedisSink ships events onto a capped Redis stream so an external
// collector (or a second host) can tail the firehose durably.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis at addr. An empty stream name uses the
// default; maxLen caps the stream with approximate trimming, 0 means
// 10000.
func NewRedisSink(addr, password, stream string, db int, maxLen int64) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}
	if stream == "" {
		stream = defaultStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Ship appends the event line to the stream.
func (s *RedisSink) Ship(ctx context.Context, event *Event) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":     event.Event,
			"agent_did": event.AgentDID,
			"trace_id":  event.TraceID,
			"payload":   string(event.Line()),
		},
	}).Err()
}

// Close releases the client.
func (s *RedisSink) Close() error { return s.client.Close() }

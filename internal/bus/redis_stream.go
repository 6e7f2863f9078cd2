package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/pulsar/internal/logging"
)

// payloadField is the stream entry field carrying the message body.
const payloadField = "payload"

// StreamConfig identifies one Redis Stream topic.
type StreamConfig struct {
	Addr     string
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
}

// RedisStream is a Consumer and Publisher over a Redis Stream with a
// consumer group. Entries that were delivered to this consumer name but
// never acknowledged are read again on the next Receive. Entries left
// pending under a different consumer name are not claimed.
type RedisStream struct {
	client *redis.Client
	cfg    StreamConfig
}

// NewRedisStream connects to Redis and ensures the consumer group exists.
func NewRedisStream(ctx context.Context, cfg StreamConfig) (*RedisStream, error) {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	// MKSTREAM creates the stream with the group; BUSYGROUP means another
	// instance got there first.
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		client.Close()
		return nil, fmt.Errorf("create consumer group %s on %s: %w", cfg.Group, cfg.Stream, err)
	}

	logging.Op().Info("redis stream attached",
		"stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer)
	return &RedisStream{client: client, cfg: cfg}, nil
}

// Receive returns the next message for this consumer. Redelivered pending
// entries are served before new ones. Returns ErrNoMessage when the block
// window elapses without traffic.
func (s *RedisStream) Receive(ctx context.Context) (*Message, error) {
	// First drain this consumer name's pending entries (redelivery after
	// an unacked failure, or after a restart under the same name), then
	// read new messages.
	for _, cursor := range []string{"0", ">"} {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, cursor},
			Count:    1,
			Block:    blockFor(cursor, s.cfg.Block),
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read stream %s: %w", s.cfg.Stream, err)
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				payload, ok := entry.Values[payloadField].(string)
				if !ok {
					// Malformed entry: surface it so the caller logs and
					// leaves it unacked.
					return &Message{ID: entry.ID}, nil
				}
				return &Message{ID: entry.ID, Payload: []byte(payload)}, nil
			}
		}
	}
	return nil, ErrNoMessage
}

// blockFor keeps the pending-entry probe non-blocking; only the new-message
// read waits.
func blockFor(cursor string, block time.Duration) time.Duration {
	if cursor == "0" {
		return -1
	}
	return block
}

// Ack marks a message as processed. The ack watermark is monotonic within
// a partition because messages are received and acknowledged in order.
func (s *RedisStream) Ack(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, messageID).Err()
}

// Publish appends a payload to the stream.
func (s *RedisStream) Publish(ctx context.Context, payload []byte) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
}

// Ping verifies broker connectivity.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection.
func (s *RedisStream) Close() error {
	return s.client.Close()
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"corvus/core"
	"corvus/metrics"
)

// EventBus consumes the filtered-event stream from Redis Streams through a
// consumer group, giving at-least-once delivery with explicit acknowledgment.
// Messages are acknowledged only after any resulting alerts are durably
// written; a crash before acknowledgment causes redelivery, which the
// deduplicator absorbs downstream.
type EventBus struct {
	client       *redis.Client
	stream       string
	group        string
	consumer     string
	batchSize    int64
	blockTimeout time.Duration
	logger       *zap.SugaredLogger
}

// NewRedisClient creates the shared Redis client for the bus.
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}

// NewEventBus creates a bus bound to one stream and consumer group.
func NewEventBus(client *redis.Client, stream, group, consumer string, batchSize int, blockTimeout time.Duration, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:       client,
		stream:       stream,
		group:        group,
		consumer:     consumer,
		batchSize:    int64(batchSize),
		blockTimeout: blockTimeout,
		logger:       logger,
	}
}

// Ping verifies the bus connection.
func (b *EventBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (b *EventBus) Close() error {
	return b.client.Close()
}

// EnsureGroup creates the consumer group, creating the stream if needed.
// An already-existing group is not an error.
func (b *EventBus) EnsureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			b.logger.Infow("Consumer group already exists",
				"stream", b.stream,
				"group", b.group)
			return nil
		}
		return fmt.Errorf("create consumer group %s on %s: %w", b.group, b.stream, err)
	}
	b.logger.Infow("Created consumer group",
		"stream", b.stream,
		"group", b.group)
	return nil
}

// ReadBatch reads up to the configured batch size of new messages, blocking
// for at most the configured timeout. An empty read returns (nil, nil).
// Messages that fail to decode are acknowledged and counted so a poison
// message cannot wedge the stream.
func (b *EventBus) ReadBatch(ctx context.Context) ([]*core.Event, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    b.batchSize,
		Block:    b.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read from stream %s: %w", b.stream, err)
	}

	var events []*core.Event
	for _, stream := range res {
		for _, msg := range stream.Messages {
			ev, err := DecodeEvent(msg.ID, msg.Values)
			if err != nil {
				metrics.EventDecodeErrors.Inc()
				b.logger.Warnw("Dropping undecodable bus message",
					"stream_id", msg.ID,
					"error", err)
				if ackErr := b.Ack(ctx, msg.ID); ackErr != nil {
					b.logger.Errorw("Failed to ack undecodable message", "stream_id", msg.ID, "error", ackErr)
				}
				continue
			}
			events = append(events, ev)
		}
	}
	metrics.EventsConsumed.Add(float64(len(events)))
	return events, nil
}

// Ack acknowledges processed messages.
func (b *EventBus) Ack(ctx context.Context, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, b.stream, b.group, streamIDs...).Err(); err != nil {
		return fmt.Errorf("ack %d messages on %s: %w", len(streamIDs), b.stream, err)
	}
	return nil
}

// Publish appends an event to the stream. Used by operator tooling and tests;
// the normalizer service is the production writer.
func (b *EventBus) Publish(ctx context.Context, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", b.stream, err)
	}
	return id, nil
}

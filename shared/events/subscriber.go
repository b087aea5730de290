package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Handler func(ctx context.Context, event Event) error

// StreamClient is the part of redis.Cmdable a Subscriber needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Subscriber consumes one stream through a consumer group. A message whose
// handler fails stays pending and is redelivered after RetryAfter; once it
// has been delivered MaxDeliveries times, or if it cannot be decoded at all,
// it is copied to the dead-letter stream and acknowledged.
type Subscriber struct {
	client           StreamClient
	group            string
	consumer         string
	stream           string
	deadLetterStream string
	handler          Handler
	batchSize        int64
	blockDuration    time.Duration
	retryAfter       time.Duration
	maxDeliveries    int64
	logger           *slog.Logger
}

type SubscriberConfig struct {
	Group    string
	Consumer string
	Stream   string
	// DeadLetterStream defaults to Stream + ".dead".
	DeadLetterStream string
	Handler          Handler
	BatchSize        int64
	BlockDuration    time.Duration
	RetryAfter       time.Duration
	MaxDeliveries    int64
	Logger           *slog.Logger
}

func NewSubscriber(client StreamClient, cfg SubscriberConfig) *Subscriber {
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ".dead"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = 5 * time.Second
	}
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Subscriber{
		client:           client,
		group:            cfg.Group,
		consumer:         cfg.Consumer,
		stream:           cfg.Stream,
		deadLetterStream: cfg.DeadLetterStream,
		handler:          cfg.Handler,
		batchSize:        cfg.BatchSize,
		blockDuration:    cfg.BlockDuration,
		retryAfter:       cfg.RetryAfter,
		maxDeliveries:    cfg.MaxDeliveries,
		logger:           cfg.Logger.With("stream", cfg.Stream, "group", cfg.Group),
	}
}

// Start consumes the stream until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.logger.Info("subscriber started", "consumer", s.consumer)

	var lastRetry time.Time
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("subscriber stopping")
			return ctx.Err()
		default:
		}

		if time.Since(lastRetry) >= s.retryAfter {
			if err := s.retryPending(ctx); err != nil {
				s.logger.Error("error retrying pending messages", "error", err)
			}
			lastRetry = time.Now()
		}
		if err := s.readNew(ctx); err != nil {
			s.logger.Error("error reading messages", "error", err)
			time.Sleep(time.Second)
		}
	}
}

func (s *Subscriber) readNew(ctx context.Context) error {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    s.batchSize,
		Block:    s.blockDuration,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			s.handle(ctx, message)
		}
	}
	return nil
}

// retryPending reclaims this consumer's messages that have been idle for
// RetryAfter and runs them again, dead-lettering the ones out of deliveries.
func (s *Subscriber) retryPending(ctx context.Context) error {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   s.stream,
		Group:    s.group,
		Idle:     s.retryAfter,
		Start:    "-",
		End:      "+",
		Count:    s.batchSize,
		Consumer: s.consumer,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to list pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	exhausted := make(map[string]int64)
	for _, p := range pending {
		ids = append(ids, p.ID)
		if p.RetryCount >= s.maxDeliveries {
			exhausted[p.ID] = p.RetryCount
		}
	}

	messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.retryAfter,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to claim pending messages: %w", err)
	}

	for _, message := range messages {
		if deliveries, ok := exhausted[message.ID]; ok {
			s.deadLetter(ctx, message, fmt.Errorf("handler failed %d times", deliveries))
			continue
		}
		s.handle(ctx, message)
	}
	return nil
}

// handle runs one message. It is acknowledged only when the handler succeeds.
func (s *Subscriber) handle(ctx context.Context, message redis.XMessage) {
	event, err := decodeMessage(message)
	if err != nil {
		s.deadLetter(ctx, message, err)
		return
	}

	if err := s.handler(ctx, event); err != nil {
		s.logger.Error("event handler failed",
			"id", message.ID, "event_id", event.ID, "event_type", event.Type, "error", err)
		return
	}
	s.ack(ctx, message.ID)
}

// deadLetter copies message to the dead-letter stream, then acknowledges it.
// If the copy fails the message stays pending.
func (s *Subscriber) deadLetter(ctx context.Context, message redis.XMessage, reason error) {
	values := make(map[string]any, len(message.Values)+2)
	for k, v := range message.Values {
		values[k] = v
	}
	values["source_id"] = message.ID
	values["failure"] = reason.Error()

	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.deadLetterStream, Values: values}).Err(); err != nil {
		s.logger.Error("failed to dead-letter message", "id", message.ID, "error", err)
		return
	}
	s.logger.Warn("message dead-lettered", "id", message.ID, "dead_letter_stream", s.deadLetterStream, "reason", reason)
	s.ack(ctx, message.ID)
}

func (s *Subscriber) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.stream, s.group, id).Err(); err != nil {
		s.logger.Warn("failed to ack message", "id", id, "error", err)
	}
}

func decodeMessage(message redis.XMessage) (Event, error) {
	var event Event
	eventData, ok := message.Values["event"].(string)
	if !ok {
		return event, errors.New("message has no event field")
	}
	if err := json.Unmarshal([]byte(eventData), &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Publisher struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewPublisher(client redis.Cmdable) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// NewEvent stamps data with a fresh ID and the current UTC time.
func NewEvent(eventType string, data any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: now.UTC(),
		Data:      data,
	}
}

func (p *Publisher) Publish(ctx context.Context, stream, eventType string, data any) error {
	eventJSON, err := json.Marshal(NewEvent(eventType, data, p.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"event": eventJSON,
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Package eventbus carries engine lifecycle events over a pub/sub transport.
package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/agentflow/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the concrete event struct.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// Notify publishes event under key. A nil publisher drops the event and
// publish failures are logged, not returned.
func Notify(ctx context.Context, publisher EventPublisher, logger *slog.Logger, key string, event Event) {
	if publisher == nil {
		return
	}

	err := publisher.Publish(ctx, key, event)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
	}
}

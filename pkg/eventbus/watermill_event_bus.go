package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/agentflow/pkg/events"
)

var ErrUnknownEventType = errors.New("unknown event type")

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        logger.With("module", "eventbus"),
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))
	msg.SetContext(ctx)

	return eb.publisher.Publish(events.Topic, msg)
}

// newEvent returns an empty pointer of the concrete type for eventType.
func newEvent(eventType events.EventType) (any, error) {
	switch eventType {
	case events.RunRequestedEvent:
		return &events.RunRequested{}, nil
	case events.RunStartedEvent:
		return &events.RunStarted{}, nil
	case events.RunCompletedEvent:
		return &events.RunCompleted{}, nil
	case events.NodeStartedEvent:
		return &events.NodeStarted{}, nil
	case events.NodeCompletedEvent:
		return &events.NodeCompleted{}, nil
	case events.NodeFailedEvent:
		return &events.NodeFailed{}, nil
	case events.BranchCompensatedEvent:
		return &events.BranchCompensated{}, nil
	case events.ApprovalRequestedEvent:
		return &events.ApprovalRequested{}, nil
	case events.ApprovalResolvedEvent:
		return &events.ApprovalResolved{}, nil
	case events.DecisionSubmittedEvent:
		return &events.DecisionSubmitted{}, nil
	default:
		return nil, ErrUnknownEventType
	}
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eb.dispatch(ctx, msg)
		}
	}()

	return nil
}

func (eb *WatermillEventBus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	eb.mu.RLock()
	handler, exists := eb.subscriptions[eventType]
	eb.mu.RUnlock()

	if !exists {
		msg.Ack()

		return
	}

	event, err := newEvent(eventType)
	if err != nil {
		eb.logger.WarnContext(ctx, "Dropping message with unknown event type", "event_type", eventType)
		msg.Ack()

		return
	}

	err = json.Unmarshal(msg.Payload, event)
	if err != nil {
		eb.logger.ErrorContext(ctx, "Failed to decode event", "event_type", eventType, "error", err)
		msg.Ack()

		return
	}

	err = handler(ctx, event)
	if err != nil {
		eb.logger.ErrorContext(ctx, "Event handler failed", "event_type", eventType, "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	if _, err := newEvent(eventType); err != nil {
		return err
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/agentflow/pkg/channels/gochannel"
	"github.com/dukex/agentflow/pkg/channels/kafka"
	"github.com/dukex/agentflow/pkg/eventbus"
)

// EventBusConfig selects and configures the transport behind the event bus.
type EventBusConfig struct {
	// Provider is "kafka" or "gochannel".
	Provider      string
	Brokers       string
	ConsumerGroup string
	OTELEnabled   bool
}

// NewEventBus builds the event bus for the configured provider. The
// gochannel provider only connects components living in the same process.
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.Provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.Config{
			Brokers:       kafka.ParseBrokers(cfg.Brokers),
			ConsumerGroup: cfg.ConsumerGroup,
			OTELEnabled:   cfg.OTELEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "gochannel", "memory", "":
		pub, sub := gochannel.CreateChannel(wmLogger)

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", cfg.Provider)
	}
}

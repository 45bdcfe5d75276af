package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/relay/pkg/channels/gochannel"
	"github.com/dukex/relay/pkg/channels/kafka"
	"github.com/dukex/relay/pkg/eventbus"
)

// NewEventBus creates the event bus for a provider. Kafka processes of the same
// service share one consumer group; "gochannel" keeps events in process.
func NewEventBus(logger *slog.Logger, provider, brokers, serviceName string) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case "gochannel", "memory":
		channel := gochannel.CreateChannel(wmLogger, 0)

		return eventbus.NewWatermillEventBus(logger, channel, channel), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", provider)
	}
}

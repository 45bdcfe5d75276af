package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/relay/pkg/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type WatermillEventBus struct {
	logger        *slog.Logger
	publisher     message.Publisher
	subscriber    message.Subscriber
	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(logger *slog.Logger, pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		logger:        logger.With("module", "event_bus"),
		publisher:     pub,
		subscriber:    sub,
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

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		msg.Metadata.Set(k, v)
	}

	eb.logger.DebugContext(ctx, "Publishing event", "key", key, "event_type", event.GetType())

	return eb.publisher.Publish(events.TopicFor(event.GetType()), msg)
}

// Subscribe starts one consumer per topic that has at least one registered handler.
// Handlers must be registered before Subscribe is called.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	for _, topic := range eb.topics() {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		eb.mu.RLock()
		handler, exists := eb.subscriptions[eventType]
		eb.mu.RUnlock()

		if !exists {
			msg.Ack()

			continue
		}

		event, known := events.New(eventType)
		if !known {
			msg.Nack()

			continue
		}

		err := json.Unmarshal(msg.Payload, event)
		if err != nil {
			eb.logger.ErrorContext(ctx, "Dropping undecodable event", "event_type", eventType, "error", err)
			msg.Ack()

			continue
		}

		msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))

		err = handler(msgCtx, event)
		if err != nil {
			eb.logger.WarnContext(msgCtx, "Event handler failed, requesting redelivery",
				"event_type", eventType,
				"key", msg.Metadata.Get(events.EventMetadataKey),
				"error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
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

func (eb *WatermillEventBus) topics() []string {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	seen := make(map[string]struct{})
	for eventType := range eb.subscriptions {
		seen[events.TopicFor(eventType)] = struct{}{}
	}

	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}

	sort.Strings(topics)

	return topics
}

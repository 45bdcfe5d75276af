// Package mocks provides testify mocks for relay interfaces.
package mocks

import (
	"context"

	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/events"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	args := m.Called(ctx, key, event)

	return args.Error(0)
}

func (m *MockEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	args := m.Called(eventType, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}

// Published returns the events passed to Publish, in call order.
func (m *MockEventBus) Published() []eventbus.Event {
	published := make([]eventbus.Event, 0)

	for _, call := range m.Calls {
		if call.Method == "Publish" {
			published = append(published, call.Arguments.Get(2).(eventbus.Event))
		}
	}

	return published
}

// PublishedOfType returns the published events of one type.
func (m *MockEventBus) PublishedOfType(eventType events.EventType) []eventbus.Event {
	matching := make([]eventbus.Event, 0)

	for _, event := range m.Published() {
		if event.GetType() == eventType {
			matching = append(matching, event)
		}
	}

	return matching
}

// NewAcceptingEventBus returns a mock whose Publish always succeeds.
func NewAcceptingEventBus() *MockEventBus {
	bus := &MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	return bus
}

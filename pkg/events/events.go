// Package events defines the messages exchanged with delegates and with the pipeline engine.
package events

import (
	"encoding/json"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const (
	TaskQueueTopic = "relay.delegate.tasks"     // Outbound work for delegates
	ResponseTopic  = "relay.delegate.responses" // Inbound delegate responses
	ResumeTopic    = "relay.step.resumes"       // Step and approval outcomes for the pipeline engine
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Delegate task queue events.
	TaskQueuedEvent         EventType = "task.queued"
	TaskAbortRequestedEvent EventType = "task.abort_requested"

	// Delegate response events.
	TaskResponseReceivedEvent EventType = "task.response_received"

	// Resume events.
	StepResumedEvent     EventType = "step.resumed"
	ApprovalResumedEvent EventType = "approval.resumed"
)

// TopicFor returns the topic an event type travels on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case TaskQueuedEvent, TaskAbortRequestedEvent:
		return TaskQueueTopic
	case TaskResponseReceivedEvent:
		return ResponseTopic
	case StepResumedEvent, ApprovalResumedEvent:
		return ResumeTopic
	default:
		return ResumeTopic
	}
}

// New returns an empty event value for decoding, or false for unknown types.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case TaskQueuedEvent:
		return &TaskQueued{}, true
	case TaskAbortRequestedEvent:
		return &TaskAbortRequested{}, true
	case TaskResponseReceivedEvent:
		return &TaskResponseReceived{}, true
	case StepResumedEvent:
		return &StepResumed{}, true
	case ApprovalResumedEvent:
		return &ApprovalResumed{}, true
	default:
		return nil, false
	}
}

type BaseEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskQueued asks a delegate matching the descriptor to run the task.
type TaskQueued struct {
	BaseEvent

	CallbackID string                `json:"callback_id"`
	Descriptor models.TaskDescriptor `json:"descriptor"`
}

func (t TaskQueued) GetType() EventType {
	return TaskQueuedEvent
}

// TaskAbortRequested is advisory; the delegate may already have finished.
type TaskAbortRequested struct {
	BaseEvent

	CallbackID string `json:"callback_id"`
	Reason     string `json:"reason,omitempty"`
}

func (t TaskAbortRequested) GetType() EventType {
	return TaskAbortRequestedEvent
}

// TaskResponseReceived carries a raw response envelope from a delegate.
type TaskResponseReceived struct {
	BaseEvent

	CallbackID string          `json:"callback_id"`
	Envelope   json.RawMessage `json:"envelope"`
}

func (t TaskResponseReceived) GetType() EventType {
	return TaskResponseReceivedEvent
}

// StepResumed delivers the single outcome of a step execution.
type StepResumed struct {
	BaseEvent

	StepExecutionKey string             `json:"step_execution_key"`
	Outcome          models.StepOutcome `json:"outcome"`
}

func (s StepResumed) GetType() EventType {
	return StepResumedEvent
}

// ApprovalResumed delivers the terminal status of an approval instance.
type ApprovalResumed struct {
	BaseEvent

	ApprovalID       string                    `json:"approval_id"`
	StepExecutionKey string                    `json:"step_execution_key"`
	Status           models.ApprovalStatus     `json:"status"`
	Message          string                    `json:"message,omitempty"`
	Activities       []models.ApprovalActivity `json:"activities,omitempty"`
}

func (a ApprovalResumed) GetType() EventType {
	return ApprovalResumedEvent
}

func NewBaseEvent(eventType EventType, correlationID string) BaseEvent {
	return BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Metadata:      make(map[string]any),
	}
}

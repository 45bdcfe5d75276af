package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TaskQueueTopic, TopicFor(TaskQueuedEvent))
	assert.Equal(t, TaskQueueTopic, TopicFor(TaskAbortRequestedEvent))
	assert.Equal(t, ResponseTopic, TopicFor(TaskResponseReceivedEvent))
	assert.Equal(t, ResumeTopic, TopicFor(StepResumedEvent))
	assert.Equal(t, ResumeTopic, TopicFor(ApprovalResumedEvent))
}

func TestNew_KnownTypes(t *testing.T) {
	for _, eventType := range []EventType{
		TaskQueuedEvent,
		TaskAbortRequestedEvent,
		TaskResponseReceivedEvent,
		StepResumedEvent,
		ApprovalResumedEvent,
	} {
		event, ok := New(eventType)
		require.True(t, ok, eventType)

		typed, ok := event.(interface{ GetType() EventType })
		require.True(t, ok)
		assert.Equal(t, eventType, typed.GetType())
	}

	_, ok := New("workflow.triggered")
	assert.False(t, ok)
}

func TestNewBaseEvent(t *testing.T) {
	base := NewBaseEvent(StepResumedEvent, "exec-1_step")

	assert.NotEmpty(t, base.ID)
	assert.Equal(t, StepResumedEvent, base.Type)
	assert.Equal(t, "exec-1_step", base.CorrelationID)
	assert.WithinDuration(t, time.Now().UTC(), base.Timestamp, time.Second)
	assert.NotNil(t, base.Metadata)
}

func TestStepResumed_JSON(t *testing.T) {
	event := StepResumed{
		BaseEvent:        NewBaseEvent(StepResumedEvent, "exec-1_step"),
		StepExecutionKey: "exec-1_step",
		Outcome: models.StepOutcome{
			StepExecutionKey: "exec-1_step",
			Status:           models.StepStatusFailed,
			FailureInfo: &models.FailureInfo{
				Message:      "exit code 2",
				FailureTypes: []models.FailureType{models.FailureTypeApplication},
			},
		},
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"step.resumed"`)
	assert.Contains(t, string(data), `"status":"FAILED"`)

	var decoded StepResumed
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.Outcome.FailureInfo.Message, decoded.Outcome.FailureInfo.Message)
}

func TestTaskResponseReceived_KeepsEnvelopeVerbatim(t *testing.T) {
	envelope := json.RawMessage(`{"callback_id":"cb-1","kind":"response","command_status":"SUCCESS"}`)

	data, err := json.Marshal(TaskResponseReceived{
		BaseEvent:  NewBaseEvent(TaskResponseReceivedEvent, "cb-1"),
		CallbackID: "cb-1",
		Envelope:   envelope,
	})
	require.NoError(t, err)

	var decoded TaskResponseReceived
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.JSONEq(t, string(envelope), string(decoded.Envelope))
}

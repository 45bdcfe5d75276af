package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/protocol"
)

// EnvelopeKind tells a task-specific response apart from a generic error the
// delegate raised before or outside the task.
type EnvelopeKind string

const (
	EnvelopeKindResponse EnvelopeKind = "response"
	EnvelopeKindError    EnvelopeKind = "error"
)

var ErrMalformedEnvelope = errors.New("malformed response envelope")

// GenericEnvelope is the task-independent shape of every delegate response.
type GenericEnvelope struct {
	CallbackID    string               `json:"callback_id"`
	Kind          EnvelopeKind         `json:"kind"`
	CommandStatus models.CommandStatus `json:"command_status,omitempty"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
}

// Decode parses raw response bytes. A missing kind defaults to "response".
func Decode(raw []byte) (GenericEnvelope, error) {
	var envelope GenericEnvelope

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return GenericEnvelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if envelope.CallbackID == "" {
		return GenericEnvelope{}, fmt.Errorf("%w: callback_id is required", ErrMalformedEnvelope)
	}

	switch envelope.Kind {
	case "":
		envelope.Kind = EnvelopeKindResponse
	case EnvelopeKindResponse, EnvelopeKindError:
	default:
		return GenericEnvelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, envelope.Kind)
	}

	return envelope, nil
}

// Interpret turns an envelope into the result for its callback id. Generic error
// envelopes and responses without a command status are transport errors. When
// the task type implements protocol.StatusMapper it may refine the status; a nil
// taskType leaves the delegate's status as is.
func Interpret(envelope GenericEnvelope, taskType protocol.TaskTypeFactory, receivedAt time.Time) models.RemoteExecutionResult {
	if envelope.Kind == EnvelopeKindError || envelope.CommandStatus == "" {
		message := envelope.ErrorMessage
		if message == "" {
			message = "delegate returned a generic error response"
		}

		result := models.NewTransportErrorResult(envelope.CallbackID, message, receivedAt)
		result.RawPayload = envelope.Payload

		return result
	}

	result := models.RemoteExecutionResult{
		CallbackID:    envelope.CallbackID,
		CommandStatus: envelope.CommandStatus,
		RawPayload:    envelope.Payload,
		ErrorMessage:  envelope.ErrorMessage,
		ReceivedAt:    receivedAt,
	}

	switch result.CommandStatus {
	case models.CommandStatusSuccess, models.CommandStatusFailure, models.CommandStatusSkipped:
	default:
		result.ErrorMessage = fmt.Sprintf("unrecognized command status %q", envelope.CommandStatus)
		result.CommandStatus = models.CommandStatusFailure

		return result
	}

	if mapper, ok := taskType.(protocol.StatusMapper); ok {
		result.CommandStatus = mapper.MapStatus(result)
	}

	return result
}

// salvageCallbackID recovers the callback id from an envelope Decode rejected,
// so the owning step still learns that its delegate answered with garbage.
func salvageCallbackID(raw []byte) string {
	var partial struct {
		CallbackID string `json:"callback_id"`
	}

	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}

	return partial.CallbackID
}

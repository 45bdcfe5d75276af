package models

import (
	"encoding/json"
	"time"
)

// CommandStatus is the delegate's view of how a task ended.
// It is distinct from the pipeline-level StepStatus.
type CommandStatus string

const (
	CommandStatusSuccess CommandStatus = "SUCCESS"
	CommandStatusFailure CommandStatus = "FAILURE"
	CommandStatusSkipped CommandStatus = "SKIPPED"
)

// RemoteExecutionResult is the interpreted response for a single callback id.
type RemoteExecutionResult struct {
	CallbackID     string          `json:"callback_id"`
	CommandStatus  CommandStatus   `json:"command_status"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	TransportError bool            `json:"transport_error,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// NewTransportErrorResult builds the result used when the delegate never
// answered or answered with a generic error envelope.
func NewTransportErrorResult(callbackID, message string, at time.Time) RemoteExecutionResult {
	return RemoteExecutionResult{
		CallbackID:     callbackID,
		CommandStatus:  CommandStatusFailure,
		ErrorMessage:   message,
		TransportError: true,
		ReceivedAt:     at,
	}
}

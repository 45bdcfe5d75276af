// Package protocol defines the interfaces and contracts for pluggable task types.
package protocol

import (
	"encoding/json"

	"github.com/dukex/relay/pkg/models"
)

// TaskTypeFactory describes a remote task type and how to read its responses.
// Fan-out and resolution stay in the reconciler; a task type only knows its own payload.
type TaskTypeFactory interface {
	// ID returns the unique task type tag carried by descriptors
	ID() string

	// Name returns the human-readable name for this task type
	Name() string

	// Description returns a description of what the delegate does with this task
	Description() string

	// Schema returns the JSON schema the descriptor parameters must satisfy
	Schema() map[string]any

	// ParseOutputs extracts structured outputs from a successful response payload
	ParseOutputs(step models.StepRef, payload json.RawMessage) ([]models.StructuredOutput, error)
}

// StatusMapper is implemented by task types whose payload can refine the
// delegate's command status, e.g. a pod that ran fine but reports the step skipped.
type StatusMapper interface {
	MapStatus(result models.RemoteExecutionResult) models.CommandStatus
}

package models

import "time"

// StepStatus is the final, pipeline-level status of a step execution.
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusAborted   StepStatus = "ABORTED"
	StepStatusExpired   StepStatus = "EXPIRED"
)

// FailureType categorizes why a step failed.
type FailureType string

const (
	FailureTypeApplication  FailureType = "APPLICATION_ERROR"
	FailureTypeConnectivity FailureType = "CONNECTIVITY_ERROR"
	FailureTypeTimeout      FailureType = "TIMEOUT_ERROR"
	FailureTypeUnknown      FailureType = "UNKNOWN_ERROR"
)

type FailureInfo struct {
	Message      string        `json:"message"`
	FailureTypes []FailureType `json:"failure_types"`
}

// OutputKind hints how downstream nodes should read a structured output.
type OutputKind string

const (
	OutputKindArtifact  OutputKind = "artifact"
	OutputKindVariables OutputKind = "variables"
	OutputKindGeneric   OutputKind = "generic"
)

// StructuredOutput is a named value addressable by later pipeline nodes.
type StructuredOutput struct {
	Name string         `json:"name"`
	Kind OutputKind     `json:"kind"`
	Data map[string]any `json:"data"`
}

// StepOutcome is the single result emitted for a step execution. Immutable once emitted.
type StepOutcome struct {
	StepExecutionKey  string             `json:"step_execution_key"`
	Status            StepStatus         `json:"status"`
	FailureInfo       *FailureInfo       `json:"failure_info,omitempty"`
	StructuredOutputs []StructuredOutput `json:"structured_outputs,omitempty"`
	CompletedAt       time.Time          `json:"completed_at"`
}

// OutputVariablesName is the output holding key/value variables exported by a step.
const OutputVariablesName = "output"

// ArtifactOutputName is the addressable name of a step's artifact output. A step
// group prefixes the step identifier; the content is unchanged.
func ArtifactOutputName(step StepRef) string {
	if step.StepGroupIdentifier == "" {
		return "artifact_" + step.Identifier
	}

	return "artifact_" + step.StepGroupIdentifier + "_" + step.Identifier
}

// Package ciexecute provides the CI step execution task type.
package ciexecute

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/protocol"
)

const TaskType = "ci.execute"

// StepExecutionStatus is the status the step container reported, which can differ
// from the delegate's view of the task.
type StepExecutionStatus string

const (
	StepExecutionSuccess StepExecutionStatus = "SUCCESS"
	StepExecutionFailure StepExecutionStatus = "FAILURE"
	StepExecutionSkipped StepExecutionStatus = "SKIPPED"
)

// Artifact is one artifact the step published.
type Artifact struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	// Image and Tag are set for container registry artifacts.
	Image  string `json:"image,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// Response is the delegate payload of a finished step execution.
type Response struct {
	StepStatus StepExecutionStatus `json:"step_status,omitempty"`
	Output     map[string]string   `json:"output,omitempty"`
	Artifacts  []Artifact          `json:"artifacts,omitempty"`
}

// Factory describes the ci.execute task type.
type Factory struct{}

// NewFactory creates a new factory instance.
func NewFactory() protocol.TaskTypeFactory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return TaskType
}

func (f *Factory) Name() string {
	return "CI Execute"
}

func (f *Factory) Description() string {
	return "Runs a step container inside the build pod and reports output variables and published artifacts"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command executed in the step container",
				"examples":    []string{"make test", "docker build -t app ."},
			},
			"image": map[string]any{
				"type":        "string",
				"description": "Container image for the step",
			},
			"output_variables": map[string]any{
				"type":        "array",
				"description": "Environment variables exported as step outputs",
				"items":       map[string]any{"type": "string"},
			},
			"env": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
		"required": []string{"command"},
	}
}

// ParseOutputs returns output variables under "output" and one artifact output
// grouping the published artifacts by type.
func (f *Factory) ParseOutputs(step models.StepRef, payload json.RawMessage) ([]models.StructuredOutput, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var response Response
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", TaskType, err)
	}

	outputs := make([]models.StructuredOutput, 0, 2)

	if len(response.Output) > 0 {
		variables := make(map[string]any, len(response.Output))
		for key, value := range response.Output {
			variables[key] = value
		}

		outputs = append(outputs, models.StructuredOutput{
			Name: models.OutputVariablesName,
			Kind: models.OutputKindVariables,
			Data: variables,
		})
	}

	if len(response.Artifacts) > 0 {
		outputs = append(outputs, models.StructuredOutput{
			Name: models.ArtifactOutputName(step),
			Kind: models.OutputKindArtifact,
			Data: groupArtifacts(response.Artifacts),
		})
	}

	return outputs, nil
}

// MapStatus lets the step container's own status override a successful delegate task.
func (f *Factory) MapStatus(result models.RemoteExecutionResult) models.CommandStatus {
	if result.CommandStatus != models.CommandStatusSuccess || len(result.RawPayload) == 0 {
		return result.CommandStatus
	}

	var response Response
	if err := json.Unmarshal(result.RawPayload, &response); err != nil {
		return result.CommandStatus
	}

	switch response.StepStatus {
	case StepExecutionSkipped:
		return models.CommandStatusSkipped
	case StepExecutionFailure:
		return models.CommandStatusFailure
	case StepExecutionSuccess:
		return models.CommandStatusSuccess
	default:
		return result.CommandStatus
	}
}

func groupArtifacts(artifacts []Artifact) map[string]any {
	byType := make(map[string][]Artifact)
	for _, artifact := range artifacts {
		byType[artifact.Type] = append(byType[artifact.Type], artifact)
	}

	grouped := make(map[string]any, len(byType))

	for artifactType, list := range byType {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].URL+list[i].Image < list[j].URL+list[j].Image
		})

		entries := make([]any, 0, len(list))
		for _, artifact := range list {
			entries = append(entries, artifactData(artifact))
		}

		grouped[artifactType] = entries
	}

	return grouped
}

func artifactData(artifact Artifact) map[string]any {
	data := map[string]any{}

	if artifact.URL != "" {
		data["url"] = artifact.URL
	}

	if artifact.Image != "" {
		data["image"] = artifact.Image
	}

	if artifact.Tag != "" {
		data["tag"] = artifact.Tag
	}

	if artifact.Digest != "" {
		data["digest"] = artifact.Digest
	}

	return data
}

// Package helmdeploy provides the Helm release deployment task type.
package helmdeploy

import (
	"encoding/json"
	"fmt"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/protocol"
)

const (
	TaskType = "helm.deploy"

	// OutputName is the output describing the deployed release.
	OutputName = "release"
)

// Response is the delegate payload of a finished Helm deployment.
type Response struct {
	ReleaseName  string `json:"release_name"`
	Namespace    string `json:"namespace"`
	Revision     int    `json:"revision"`
	ChartName    string `json:"chart_name,omitempty"`
	ChartVersion string `json:"chart_version,omitempty"`
}

// Factory describes the helm.deploy task type.
type Factory struct{}

// NewFactory creates a new factory instance.
func NewFactory() protocol.TaskTypeFactory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return TaskType
}

func (f *Factory) Name() string {
	return "Helm Deploy"
}

func (f *Factory) Description() string {
	return "Installs or upgrades a Helm release on the target cluster"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"release_name": map[string]any{
				"type":        "string",
				"description": "Helm release name",
			},
			"namespace": map[string]any{
				"type":    "string",
				"default": "default",
			},
			"chart": map[string]any{
				"type":        "string",
				"description": "Chart reference, e.g. repo/name",
			},
			"values": map[string]any{
				"type":        "object",
				"description": "Values overriding the chart defaults",
			},
			"timeout_seconds": map[string]any{
				"type":    "integer",
				"minimum": 1,
			},
		},
		"required": []string{"release_name", "chart"},
	}
}

func (f *Factory) ParseOutputs(_ models.StepRef, payload json.RawMessage) ([]models.StructuredOutput, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var response Response
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", TaskType, err)
	}

	if response.ReleaseName == "" {
		return nil, nil
	}

	data := map[string]any{
		"release_name": response.ReleaseName,
		"namespace":    response.Namespace,
		"revision":     response.Revision,
	}

	if response.ChartName != "" {
		data["chart_name"] = response.ChartName
		data["chart_version"] = response.ChartVersion
	}

	return []models.StructuredOutput{{Name: OutputName, Kind: models.OutputKindGeneric, Data: data}}, nil
}

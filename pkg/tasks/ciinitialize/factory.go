// Package ciinitialize provides the CI build pod setup task type.
package ciinitialize

import (
	"encoding/json"
	"fmt"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/protocol"
)

const (
	TaskType = "ci.initialize"

	// OutputName is the output carrying the build pod coordinates.
	OutputName = "pod"
)

// Response is the delegate payload of a finished setup task.
type Response struct {
	PodName      string         `json:"pod_name"`
	PodStatus    string         `json:"pod_status"`
	IP           string         `json:"ip,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	PortMappings map[string]int `json:"port_mappings,omitempty"`
}

// Factory describes the ci.initialize task type.
type Factory struct{}

// NewFactory creates a new factory instance.
func NewFactory() protocol.TaskTypeFactory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return TaskType
}

func (f *Factory) Name() string {
	return "CI Initialize"
}

func (f *Factory) Description() string {
	return "Creates the build pod for a CI stage and reports its address and port mappings"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pod_name": map[string]any{
				"type":        "string",
				"description": "Name of the build pod to create",
			},
			"namespace": map[string]any{
				"type":        "string",
				"description": "Kubernetes namespace of the build farm",
			},
			"containers": map[string]any{
				"type":        "array",
				"description": "Step containers to start inside the pod",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":  map[string]any{"type": "string"},
						"image": map[string]any{"type": "string"},
					},
					"required": []string{"name", "image"},
				},
			},
			"connector_ref": map[string]any{
				"type":        "string",
				"description": "Connector used to reach the cluster",
			},
		},
		"required": []string{"pod_name"},
	}
}

// ParseOutputs exposes the pod coordinates so later steps can reach the build farm.
func (f *Factory) ParseOutputs(_ models.StepRef, payload json.RawMessage) ([]models.StructuredOutput, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var response Response
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", TaskType, err)
	}

	if response.PodName == "" {
		return nil, nil
	}

	data := map[string]any{
		"pod_name":   response.PodName,
		"pod_status": response.PodStatus,
	}

	if response.IP != "" {
		data["ip"] = response.IP
	}

	if response.Namespace != "" {
		data["namespace"] = response.Namespace
	}

	if len(response.PortMappings) > 0 {
		ports := make(map[string]any, len(response.PortMappings))
		for name, port := range response.PortMappings {
			ports[name] = port
		}

		data["port_mappings"] = ports
	}

	return []models.StructuredOutput{{Name: OutputName, Kind: models.OutputKindGeneric, Data: data}}, nil
}

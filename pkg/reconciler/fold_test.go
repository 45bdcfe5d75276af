package reconciler

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(callbackID string, status models.CommandStatus, message string) models.RemoteExecutionResult {
	return models.RemoteExecutionResult{CallbackID: callbackID, CommandStatus: status, ErrorMessage: message}
}

func TestFold(t *testing.T) {
	tests := []struct {
		name        string
		results     []models.RemoteExecutionResult
		wantStatus  models.StepStatus
		wantMessage string
	}{
		{
			name:       "all success",
			results:    []models.RemoteExecutionResult{result("a", models.CommandStatusSuccess, ""), result("b", models.CommandStatusSuccess, "")},
			wantStatus: models.StepStatusSucceeded,
		},
		{
			name:       "skip is not failure",
			results:    []models.RemoteExecutionResult{result("a", models.CommandStatusSkipped, "")},
			wantStatus: models.StepStatusSkipped,
		},
		{
			name:       "skip with success",
			results:    []models.RemoteExecutionResult{result("a", models.CommandStatusSuccess, ""), result("b", models.CommandStatusSkipped, "")},
			wantStatus: models.StepStatusSkipped,
		},
		{
			name:        "failure beats skip",
			results:     []models.RemoteExecutionResult{result("a", models.CommandStatusSkipped, ""), result("b", models.CommandStatusFailure, "exit 1")},
			wantStatus:  models.StepStatusFailed,
			wantMessage: "exit 1",
		},
		{
			name: "failure messages in registration order",
			results: []models.RemoteExecutionResult{
				result("a", models.CommandStatusFailure, "lint failed"),
				result("b", models.CommandStatusSuccess, ""),
				result("c", models.CommandStatusFailure, "tests failed"),
			},
			wantStatus:  models.StepStatusFailed,
			wantMessage: "lint failed; tests failed",
		},
		{
			name:        "failure without message",
			results:     []models.RemoteExecutionResult{result("a", models.CommandStatusFailure, "")},
			wantStatus:  models.StepStatusFailed,
			wantMessage: defaultFailureMessage,
		},
		{
			name: "transport error wins with canned message",
			results: []models.RemoteExecutionResult{
				result("a", models.CommandStatusFailure, "exit 1"),
				models.NewTransportErrorResult("b", "connection refused", testTime),
			},
			wantStatus:  models.StepStatusFailed,
			wantMessage: "Delegate is not able to connect to created build farm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, failure := Fold(tt.results)

			assert.Equal(t, tt.wantStatus, status)

			if tt.wantMessage == "" {
				assert.Nil(t, failure)

				return
			}

			require.NotNil(t, failure)
			assert.Equal(t, tt.wantMessage, failure.Message)
		})
	}
}

func TestFold_TransportFailureType(t *testing.T) {
	_, failure := Fold([]models.RemoteExecutionResult{models.NewTransportErrorResult("a", "timeout", testTime)})

	require.NotNil(t, failure)
	assert.Equal(t, []models.FailureType{models.FailureTypeConnectivity}, failure.FailureTypes)
}

func TestExtractOutputs(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	require.NoError(t, reg.RegisterDefaultTaskTypes())

	waitSet := models.NewStepWaitSet("exec-1_dockerStepID", models.StepRef{
		Identifier:          "dockerStepID",
		StepGroupIdentifier: "myGroup",
	})
	waitSet.AddCallback("cb-build", "ci.execute")
	waitSet.AddCallback("cb-failed", "ci.execute")
	waitSet.AddCallback("cb-unknown", "shell.script")

	waitSet.Resolve(models.RemoteExecutionResult{
		CallbackID:    "cb-build",
		CommandStatus: models.CommandStatusSuccess,
		RawPayload: json.RawMessage(`{
			"output": {"VERSION": "1.2.3"},
			"artifacts": [{"type": "docker", "image": "app", "tag": "1.2.3"}]
		}`),
	})
	waitSet.Resolve(models.RemoteExecutionResult{
		CallbackID:    "cb-failed",
		CommandStatus: models.CommandStatusFailure,
		RawPayload:    json.RawMessage(`{"output": {"IGNORED": "x"}}`),
	})
	waitSet.Resolve(models.RemoteExecutionResult{
		CallbackID:    "cb-unknown",
		CommandStatus: models.CommandStatusSuccess,
		RawPayload:    json.RawMessage(`{}`),
	})

	outputs := ExtractOutputs(slog.Default(), waitSet, reg.TaskType)
	require.Len(t, outputs, 2)

	assert.Equal(t, "artifact_myGroup_dockerStepID", outputs[0].Name)
	assert.Equal(t, models.OutputKindArtifact, outputs[0].Kind)
	assert.Equal(t, "output", outputs[1].Name)
	assert.Equal(t, map[string]any{"VERSION": "1.2.3"}, outputs[1].Data)
}

package taskbuilder

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStep() models.StepConfig {
	return models.StepConfig{
		StepExecutionKey: "exec-1_dockerStepID",
		Step:             models.StepRef{Identifier: "dockerStepID"},
		Tasks: []models.TaskConfig{
			{TaskType: "ci.execute", Parameters: map[string]any{"command": "make test"}},
		},
		Timeout:           600 * time.Second,
		DelegateSelectors: []string{"linux", "docker"},
	}
}

func TestBuild_TimeoutOrdering(t *testing.T) {
	descriptors, err := NewBuilder().Build(validStep(), models.RuntimeContext{})
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	assert.Equal(t, 630*time.Second, descriptors[0].Timeout)
	assert.Greater(t, descriptors[0].Timeout, validStep().Timeout)
}

func TestBuild_DefaultTimeout(t *testing.T) {
	step := validStep()
	step.Timeout = 0

	descriptors, err := NewBuilder().Build(step, models.RuntimeContext{})
	require.NoError(t, err)

	assert.Equal(t, DefaultStepTimeout+TimeoutBuffer, descriptors[0].Timeout)
	assert.Equal(t, DefaultStepTimeout, EffectiveStepTimeout(step))
}

func TestBuild_SelectorsAndRuntimeValues(t *testing.T) {
	rc := models.RuntimeContext{
		AccountID:           "acct-1",
		ConnectorRef:        "account.k8s",
		ConnectorSelectors:  []string{"docker", "gpu", " "},
		EligibleExecutorIDs: []string{"d-2", "d-1", "d-2"},
		LogKeyPrefix:        "logs/exec-1",
		PortMappings:        map[string]int{"dockerStepID": 20002},
	}

	descriptors, err := NewBuilder().Build(validStep(), rc)
	require.NoError(t, err)

	descriptor := descriptors[0]
	assert.Equal(t, []string{"docker", "gpu", "linux"}, descriptor.TargetSelectors)
	assert.Equal(t, []string{"d-1", "d-2"}, descriptor.EligibleExecutorIDs)

	var parameters map[string]any
	require.NoError(t, json.Unmarshal(descriptor.Parameters, &parameters))

	assert.Equal(t, "make test", parameters["command"])
	assert.Equal(t, "account.k8s", parameters[ParamConnectorRef])
	assert.Equal(t, "acct-1", parameters[ParamAccountID])
	assert.Equal(t, "logs/exec-1/dockerStepID", parameters[ParamLogKey])
	assert.InDelta(t, 20002, parameters[ParamPort], 0)
}

func TestBuild_StepParametersWin(t *testing.T) {
	step := validStep()
	step.Tasks[0].Parameters[ParamConnectorRef] = "org.override"

	descriptors, err := NewBuilder().Build(step, models.RuntimeContext{ConnectorRef: "account.k8s"})
	require.NoError(t, err)

	var parameters map[string]any
	require.NoError(t, json.Unmarshal(descriptors[0].Parameters, &parameters))
	assert.Equal(t, "org.override", parameters[ParamConnectorRef])
}

func TestBuild_Deterministic(t *testing.T) {
	rc := models.RuntimeContext{ConnectorSelectors: []string{"b", "a"}}

	first, err := NewBuilder().Build(validStep(), rc)
	require.NoError(t, err)

	second, err := NewBuilder().Build(validStep(), rc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuild_MultipleTasksKeepOrder(t *testing.T) {
	step := validStep()
	step.Tasks = []models.TaskConfig{
		{TaskType: "ci.initialize", Parameters: map[string]any{"pod_name": "build-1"}},
		{TaskType: "ci.execute", Parameters: map[string]any{"command": "make"}, Parked: true},
	}

	descriptors, err := NewBuilder().Build(step, models.RuntimeContext{})
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	assert.Equal(t, "ci.initialize", descriptors[0].TaskType)
	assert.False(t, descriptors[0].Parked)
	assert.Equal(t, "ci.execute", descriptors[1].TaskType)
	assert.True(t, descriptors[1].Parked)
}

func TestBuild_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.StepConfig)
		field  string
	}{
		{"missing execution key", func(s *models.StepConfig) { s.StepExecutionKey = "" }, "StepExecutionKey"},
		{"execution key with slash", func(s *models.StepConfig) { s.StepExecutionKey = "a/b" }, "StepExecutionKey"},
		{"missing step identifier", func(s *models.StepConfig) { s.Step.Identifier = "" }, "Step.Identifier"},
		{"no tasks", func(s *models.StepConfig) { s.Tasks = nil }, "Tasks"},
		{"task without type", func(s *models.StepConfig) { s.Tasks[0].TaskType = "" }, "Tasks[0].TaskType"},
		{"negative timeout", func(s *models.StepConfig) { s.Timeout = -time.Second }, "Timeout"},
		{"unserializable parameter", func(s *models.StepConfig) { s.Tasks[0].Parameters["fn"] = func() {} }, "Tasks[0].Parameters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := validStep()
			tt.mutate(&step)

			_, err := NewBuilder().Build(step, models.RuntimeContext{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidStepConfig))

			var configErr *ConfigError
			require.True(t, errors.As(err, &configErr))
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}

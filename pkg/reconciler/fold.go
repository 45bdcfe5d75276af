package reconciler

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/protocol"
)

// InfraFailureMessage is reported for every transport-level failure. The
// orchestrator cannot tell an unreachable delegate from a crashed one.
const InfraFailureMessage = "Delegate is not able to connect to created build farm"

const defaultFailureMessage = "Step failed"

// Fold computes the step status from the results of a wait set, given in
// callback registration order. The status does not depend on arrival order:
//
//	transport error anywhere -> FAILED with InfraFailureMessage
//	any FAILURE              -> FAILED with the executor messages
//	any SKIPPED              -> SKIPPED
//	otherwise                -> SUCCEEDED
func Fold(results []models.RemoteExecutionResult) (models.StepStatus, *models.FailureInfo) {
	for _, result := range results {
		if result.TransportError {
			return models.StepStatusFailed, &models.FailureInfo{
				Message:      InfraFailureMessage,
				FailureTypes: []models.FailureType{models.FailureTypeConnectivity},
			}
		}
	}

	var (
		failed   bool
		skipped  bool
		messages []string
	)

	for _, result := range results {
		switch result.CommandStatus {
		case models.CommandStatusSuccess:
		case models.CommandStatusSkipped:
			skipped = true
		case models.CommandStatusFailure:
			failed = true

			if result.ErrorMessage != "" {
				messages = append(messages, result.ErrorMessage)
			}
		default:
			failed = true
		}
	}

	switch {
	case failed:
		message := strings.Join(messages, "; ")
		if message == "" {
			message = defaultFailureMessage
		}

		return models.StepStatusFailed, &models.FailureInfo{
			Message:      message,
			FailureTypes: []models.FailureType{models.FailureTypeApplication},
		}
	case skipped:
		return models.StepStatusSkipped, nil
	default:
		return models.StepStatusSucceeded, nil
	}
}

// ExtractOutputs parses the payload of every SUCCESS result with its task type
// and merges the outputs by name. Later callbacks in registration order replace
// earlier outputs with the same name. The result is sorted by name.
func ExtractOutputs(
	logger *slog.Logger,
	waitSet *models.StepWaitSet,
	lookup func(taskType string) (protocol.TaskTypeFactory, error),
) []models.StructuredOutput {
	byName := make(map[string]models.StructuredOutput)

	for _, result := range waitSet.Results() {
		if result.CommandStatus != models.CommandStatusSuccess || result.TransportError {
			continue
		}

		taskType := waitSet.TaskTypeOf(result.CallbackID)

		factory, err := lookup(taskType)
		if err != nil {
			logger.Warn("No parser for task type, outputs skipped",
				"callback_id", result.CallbackID, "task_type", taskType, "error", err)

			continue
		}

		outputs, err := factory.ParseOutputs(waitSet.Step, result.RawPayload)
		if err != nil {
			logger.Warn("Failed to parse task outputs",
				"callback_id", result.CallbackID, "task_type", taskType, "error", err)

			continue
		}

		for _, output := range outputs {
			byName[output.Name] = output
		}
	}

	if len(byName) == 0 {
		return nil
	}

	merged := make([]models.StructuredOutput, 0, len(byName))
	for _, output := range byName {
		merged = append(merged, output)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Name < merged[j].Name
	})

	return merged
}

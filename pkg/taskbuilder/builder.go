// Package taskbuilder turns a step configuration and its runtime context into
// delegate task descriptors. It is pure: nothing is dispatched or stored.
package taskbuilder

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/go-playground/validator/v10"
)

const (
	// TimeoutBuffer is added to the step timeout so the delegate never abandons
	// a task before the orchestrator stops waiting for it.
	TimeoutBuffer = 30 * time.Second

	// DefaultStepTimeout applies when a step does not configure a timeout.
	DefaultStepTimeout = 10 * time.Minute
)

// Parameter keys filled from the runtime context.
const (
	ParamConnectorRef = "connector_ref"
	ParamAccountID    = "account_id"
	ParamLogKey       = "log_key"
	ParamPort         = "port"
)

// ErrInvalidStepConfig indicates the step configuration is missing or malformed.
var ErrInvalidStepConfig = errors.New("invalid step configuration")

// ConfigError reports which part of a step configuration is invalid.
type ConfigError struct {
	StepExecutionKey string
	Field            string
	Reason           string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s for %q: %s", ErrInvalidStepConfig, e.StepExecutionKey, e.Reason)
	}

	return fmt.Sprintf("%s for %q: field %s %s", ErrInvalidStepConfig, e.StepExecutionKey, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidStepConfig
}

// Builder validates step configurations and builds descriptors.
type Builder struct {
	validator *validator.Validate
}

func NewBuilder() *Builder {
	return &Builder{validator: validator.New(validator.WithRequiredStructEnabled())}
}

// EffectiveStepTimeout is how long the orchestrator waits on the step.
func EffectiveStepTimeout(step models.StepConfig) time.Duration {
	if step.Timeout <= 0 {
		return DefaultStepTimeout
	}

	return step.Timeout
}

// RemoteTimeout is the timeout sent to the delegate, strictly greater than the step wait.
func RemoteTimeout(step models.StepConfig) time.Duration {
	return EffectiveStepTimeout(step) + TimeoutBuffer
}

// Build returns one descriptor per configured task, in configuration order.
func (b *Builder) Build(step models.StepConfig, rc models.RuntimeContext) ([]models.TaskDescriptor, error) {
	if err := b.Validate(step); err != nil {
		return nil, err
	}

	descriptors := make([]models.TaskDescriptor, 0, len(step.Tasks))

	for i, task := range step.Tasks {
		parameters, err := buildParameters(step, task, rc)
		if err != nil {
			return nil, &ConfigError{
				StepExecutionKey: step.StepExecutionKey,
				Field:            fmt.Sprintf("Tasks[%d].Parameters", i),
				Reason:           err.Error(),
			}
		}

		descriptors = append(descriptors, models.TaskDescriptor{
			TaskType:            task.TaskType,
			Parameters:          parameters,
			Timeout:             RemoteTimeout(step),
			TargetSelectors:     union(step.DelegateSelectors, rc.ConnectorSelectors),
			EligibleExecutorIDs: union(rc.EligibleExecutorIDs),
			Parked:              task.Parked,
		})
	}

	return descriptors, nil
}

// Validate checks the step configuration without building anything.
func (b *Builder) Validate(step models.StepConfig) error {
	err := b.validator.Struct(step)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		first := validationErrors[0]

		return &ConfigError{
			StepExecutionKey: step.StepExecutionKey,
			Field:            strings.TrimPrefix(first.Namespace(), "StepConfig."),
			Reason:           "failed on the '" + first.Tag() + "' rule",
		}
	}

	return &ConfigError{StepExecutionKey: step.StepExecutionKey, Reason: err.Error()}
}

func buildParameters(step models.StepConfig, task models.TaskConfig, rc models.RuntimeContext) (json.RawMessage, error) {
	parameters := make(map[string]any, len(task.Parameters)+4)
	for key, value := range task.Parameters {
		parameters[key] = value
	}

	setIfAbsent(parameters, ParamConnectorRef, rc.ConnectorRef)
	setIfAbsent(parameters, ParamAccountID, rc.AccountID)

	if rc.LogKeyPrefix != "" {
		setIfAbsent(parameters, ParamLogKey, rc.LogKeyPrefix+"/"+step.Step.Identifier)
	}

	if port, ok := rc.PortMappings[step.Step.Identifier]; ok {
		if _, exists := parameters[ParamPort]; !exists {
			parameters[ParamPort] = port
		}
	}

	data, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("not serializable: %w", err)
	}

	return data, nil
}

func setIfAbsent(parameters map[string]any, key, value string) {
	if value == "" {
		return
	}

	if _, exists := parameters[key]; !exists {
		parameters[key] = value
	}
}

// union merges the lists, drops blanks and duplicates, and sorts for a deterministic descriptor.
func union(lists ...[]string) []string {
	seen := make(map[string]struct{})

	for _, list := range lists {
		for _, value := range list {
			value = strings.TrimSpace(value)
			if value != "" {
				seen[value] = struct{}{}
			}
		}
	}

	if len(seen) == 0 {
		return nil
	}

	merged := make([]string, 0, len(seen))
	for value := range seen {
		merged = append(merged, value)
	}

	sort.Strings(merged)

	return merged
}

package models

import "time"

// StepRef identifies a step inside its stage. A step group changes the
// addressable name of the step's outputs, not its execution.
type StepRef struct {
	Identifier          string `json:"identifier"                      validate:"required"`
	StepGroupIdentifier string `json:"step_group_identifier,omitempty"`
}

// TaskConfig describes one remote task a step fans out to.
type TaskConfig struct {
	TaskType       string         `json:"task_type"                 validate:"required"`
	Parameters     map[string]any `json:"parameters"`
	Parked         bool           `json:"parked"`
	TriggerTimeout time.Duration  `json:"trigger_timeout,omitempty" validate:"gte=0"`
}

// StepConfig is the configuration of a step execution attempt.
type StepConfig struct {
	StepExecutionKey  string        `json:"step_execution_key"           validate:"required,excludesall=/\\"`
	Step              StepRef       `json:"step"`
	Tasks             []TaskConfig  `json:"tasks"                        validate:"required,min=1,dive"`
	Timeout           time.Duration `json:"timeout"                      validate:"gte=0"`
	DelegateSelectors []string      `json:"delegate_selectors,omitempty" validate:"dive,required"`
}

// RuntimeContext carries values resolved at run time: credentials references,
// infrastructure targets and log keys.
type RuntimeContext struct {
	AccountID           string            `json:"account_id,omitempty"`
	ConnectorRef        string            `json:"connector_ref,omitempty"`
	ConnectorSelectors  []string          `json:"connector_selectors,omitempty"`
	EligibleExecutorIDs []string          `json:"eligible_executor_ids,omitempty"`
	LogKeyPrefix        string            `json:"log_key_prefix,omitempty"`
	PortMappings        map[string]int    `json:"port_mappings,omitempty"`
	Values              map[string]string `json:"values,omitempty"`
}

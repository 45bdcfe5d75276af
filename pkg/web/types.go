// Package web provides HTTP request and response types for the relay API.
package web

import (
	"time"

	"github.com/dukex/relay/pkg/models"
)

// StartStepRequest starts a step execution: every task of Step is submitted
// and a wait set is registered for its callback ids.
type StartStepRequest struct {
	Step    models.StepConfig     `json:"step"`
	Runtime models.RuntimeContext `json:"runtime"`
}

type StartStepResponse struct {
	StepExecutionKey string     `json:"step_execution_key"`
	CallbackIDs      []string   `json:"callback_ids"`
	Deadline         *time.Time `json:"deadline,omitempty"`
}

type AbortTaskResponse struct {
	CallbackID string `json:"callback_id"`
	Aborted    bool   `json:"aborted"`
}

// AbortStepResponse carries the outcome when this request decided it. A step
// that already had an outcome reports Aborted false.
type AbortStepResponse struct {
	StepExecutionKey string              `json:"step_execution_key"`
	Aborted          bool                `json:"aborted"`
	Outcome          *models.StepOutcome `json:"outcome,omitempty"`
}

type AcceptedResponseResponse struct {
	CallbackID string `json:"callback_id"`
	EventID    string `json:"event_id"`
}

type StepOutputsResponse struct {
	StepExecutionKey string                    `json:"step_execution_key"`
	Outputs          []models.StructuredOutput `json:"outputs"`
}

// CreateApprovalRequest is the body of POST /approvals. Timeout accepts Go
// duration syntax ("90m", "168h"); empty means the default.
type CreateApprovalRequest struct {
	ID                   string   `json:"id,omitempty"`
	StepExecutionKey     string   `json:"step_execution_key"     validate:"required"`
	Message              string   `json:"message,omitempty"`
	Approvers            []string `json:"approvers,omitempty"    validate:"dive,required"`
	MinimumApprovalCount int      `json:"minimum_approval_count" validate:"gte=0"`
	Timeout              string   `json:"timeout,omitempty"`
}

type ApprovalActivityRequest struct {
	Actor    string            `json:"actor"              validate:"required"`
	Action   string            `json:"action"             validate:"required,oneof=APPROVE REJECT"`
	Comments string            `json:"comments,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

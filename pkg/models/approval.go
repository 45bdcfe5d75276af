package models

import "time"

// ApprovalStatus is the state of an approval instance. Only WAITING is non-terminal.
type ApprovalStatus string

const (
	ApprovalStatusWaiting  ApprovalStatus = "WAITING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusAborted  ApprovalStatus = "ABORTED"
	ApprovalStatusExpired  ApprovalStatus = "EXPIRED"
)

func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusWaiting
}

// ApprovalAction is what an approver did.
type ApprovalAction string

const (
	ApprovalActionApprove ApprovalAction = "APPROVE"
	ApprovalActionReject  ApprovalAction = "REJECT"
)

// ApprovalActivity records one approver action.
type ApprovalActivity struct {
	Actor     string            `json:"actor"`
	Action    ApprovalAction    `json:"action"`
	Comments  string            `json:"comments,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ApprovalInstance is a step waiting on human or external-system action.
type ApprovalInstance struct {
	ID                   string             `json:"id"`
	StepExecutionKey     string             `json:"step_execution_key"`
	Status               ApprovalStatus     `json:"status"`
	Message              string             `json:"message,omitempty"`
	Approvers            []string           `json:"approvers,omitempty"`
	MinimumApprovalCount int                `json:"minimum_approval_count"`
	Timeout              time.Duration      `json:"timeout"`
	Deadline             time.Time          `json:"deadline"`
	Activities           []ApprovalActivity `json:"activities"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
	ResumedAt            *time.Time         `json:"resumed_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	Version              int64              `json:"version"`
}

// ResumePendingSince returns when a terminal instance finished, until its
// resume event is published. It is nil for WAITING and already resumed instances.
func (a *ApprovalInstance) ResumePendingSince() *time.Time {
	if !a.Status.IsTerminal() || a.ResumedAt != nil {
		return nil
	}

	if a.CompletedAt != nil {
		return a.CompletedAt
	}

	return &a.UpdatedAt
}

// ApprovalCount counts distinct actors who approved.
func (a *ApprovalInstance) ApprovalCount() int {
	seen := make(map[string]struct{})

	for _, activity := range a.Activities {
		if activity.Action == ApprovalActionApprove {
			seen[activity.Actor] = struct{}{}
		}
	}

	return len(seen)
}

// HasActed reports whether the actor already recorded an activity.
func (a *ApprovalInstance) HasActed(actor string) bool {
	for _, activity := range a.Activities {
		if activity.Actor == actor {
			return true
		}
	}

	return false
}

// CanAct reports whether the actor is allowed to act. An empty approver list allows anyone.
func (a *ApprovalInstance) CanAct(actor string) bool {
	if len(a.Approvers) == 0 {
		return true
	}

	for _, approver := range a.Approvers {
		if approver == actor {
			return true
		}
	}

	return false
}

// Package models defines the core domain types for delegate task dispatch and step reconciliation.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks where a delegate task is in the remote queue lifecycle.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusParked    TaskStatus = "parked"
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusAborted   TaskStatus = "aborted"
	TaskStatusExpired   TaskStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusAborted, TaskStatusExpired:
		return true
	case TaskStatusQueued, TaskStatusParked, TaskStatusStarted:
		return false
	default:
		return false
	}
}

// TaskDescriptor is the opaque unit of work sent to a delegate.
// It is immutable once submitted.
type TaskDescriptor struct {
	TaskType            string          `json:"task_type"                       validate:"required"`
	Parameters          json.RawMessage `json:"parameters"`
	Timeout             time.Duration   `json:"timeout"                         validate:"gt=0"`
	TargetSelectors     []string        `json:"target_selectors,omitempty"`
	EligibleExecutorIDs []string        `json:"eligible_executor_ids,omitempty"`
	Parked              bool            `json:"parked"`
}

// CallbackHandle is the correlation token returned by the dispatcher.
type CallbackHandle struct {
	ID string `json:"id"`
}

// DelegateTask is the queue-side record of a submitted descriptor.
type DelegateTask struct {
	ID              string         `json:"id"`
	Descriptor      TaskDescriptor `json:"descriptor"`
	Status          TaskStatus     `json:"status"`
	TriggerDeadline *time.Time     `json:"trigger_deadline,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Version         int64          `json:"version"`
}

// Handle returns the callback handle for this task.
func (t *DelegateTask) Handle() CallbackHandle {
	return CallbackHandle{ID: t.ID}
}

// IsDue reports whether the task outlived its trigger window or its execution timeout.
func (t *DelegateTask) IsDue(now time.Time) bool {
	switch t.Status {
	case TaskStatusParked:
		return t.TriggerDeadline != nil && !now.Before(*t.TriggerDeadline)
	case TaskStatusQueued, TaskStatusStarted:
		return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
	case TaskStatusCompleted, TaskStatusAborted, TaskStatusExpired:
		return false
	default:
		return false
	}
}

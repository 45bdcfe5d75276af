// Package persistence provides the durable storage abstraction for delegate tasks,
// step wait sets, approval instances and structured outputs.
//
// Every mutable record carries a Version. Update methods are conditional writes:
// they succeed only when the stored version equals the record's Version, and
// bump the Version on success. Callers retry on ErrVersionConflict.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/relay/pkg/models"
)

type Persistence interface {
	TaskRepository() TaskRepository
	WaitSetRepository() WaitSetRepository
	ApprovalRepository() ApprovalRepository
	OutputRepository() OutputRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TaskRepository stores the queue-side records of submitted tasks.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *models.DelegateTask) error
	TaskByID(ctx context.Context, id string) (*models.DelegateTask, error)
	UpdateTask(ctx context.Context, task *models.DelegateTask) error
	// DueTasks returns non-terminal tasks whose trigger window or timeout elapsed.
	DueTasks(ctx context.Context, now time.Time) ([]*models.DelegateTask, error)
}

// WaitSetRepository stores step wait sets and the callback id reverse index.
// Wait sets are never deleted; an archived wait set keeps its key taken.
type WaitSetRepository interface {
	CreateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error
	WaitSetByKey(ctx context.Context, stepExecutionKey string) (*models.StepWaitSet, error)
	WaitSetKeyByCallback(ctx context.Context, callbackID string) (string, error)
	UpdateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error
	// OverdueWaitSets returns wait sets without an outcome whose deadline passed.
	OverdueWaitSets(ctx context.Context, now time.Time) ([]*models.StepWaitSet, error)
	// UnemittedWaitSets returns wait sets whose outcome is not archived yet and
	// whose EmissionPendingSince is at or before the given time.
	UnemittedWaitSets(ctx context.Context, pendingBefore time.Time) ([]*models.StepWaitSet, error)
}

// ApprovalRepository stores approval instances.
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, instance *models.ApprovalInstance) error
	ApprovalByID(ctx context.Context, id string) (*models.ApprovalInstance, error)
	// UpdateApprovalIfWaiting writes only when the stored instance is still
	// WAITING and its version matches; otherwise it returns ErrVersionConflict.
	UpdateApprovalIfWaiting(ctx context.Context, instance *models.ApprovalInstance) error
	// UpdateApproval writes when the version matches, whatever the status.
	UpdateApproval(ctx context.Context, instance *models.ApprovalInstance) error
	// ExpiredApprovals returns WAITING instances whose deadline passed.
	ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalInstance, error)
	// UnresumedApprovals returns terminal instances whose ResumePendingSince is
	// at or before the given time.
	UnresumedApprovals(ctx context.Context, pendingBefore time.Time) ([]*models.ApprovalInstance, error)
}

// OutputRepository is the structured-output sink read by downstream nodes.
type OutputRepository interface {
	// SaveOutput upserts by (step execution key, output name).
	SaveOutput(ctx context.Context, stepExecutionKey string, output models.StructuredOutput) error
	// Outputs returns the outputs of a step sorted by name.
	Outputs(ctx context.Context, stepExecutionKey string) ([]models.StructuredOutput, error)
}

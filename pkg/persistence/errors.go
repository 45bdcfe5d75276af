// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrTaskNotFound indicates no delegate task exists for the callback id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyExists indicates a task with the same callback id was already stored.
	ErrTaskAlreadyExists = errors.New("task already exists")

	// ErrWaitSetNotFound indicates no wait set exists for the step execution key.
	// It does not distinguish a step that was never dispatched from one already cleaned up.
	ErrWaitSetNotFound = errors.New("wait set not found")

	// ErrWaitSetAlreadyExists indicates the step execution already has a wait set.
	ErrWaitSetAlreadyExists = errors.New("wait set already exists")

	// ErrApprovalNotFound indicates no approval instance exists for the id.
	ErrApprovalNotFound = errors.New("approval instance not found")

	// ErrApprovalAlreadyExists indicates an approval instance with the same id exists.
	ErrApprovalAlreadyExists = errors.New("approval instance already exists")

	// ErrVersionConflict indicates a conditional write lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")
)

// RecordError wraps a persistence error with the operation and record involved.
type RecordError struct {
	Op     string // Operation being performed (e.g., "UpdateWaitSet")
	Record string // Record kind (task, wait_set, approval, output)
	ID     string // Record identifier
	Err    error  // Underlying error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Record, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for record errors.
func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRecordError creates a new record error with context.
func NewRecordError(op, record, id string, err error) *RecordError {
	return &RecordError{
		Op:     op,
		Record: record,
		ID:     id,
		Err:    err,
	}
}

// IsTaskNotFound checks if an error indicates a task was not found.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsWaitSetNotFound checks if an error indicates a wait set was not found.
func IsWaitSetNotFound(err error) bool {
	return errors.Is(err, ErrWaitSetNotFound)
}

// IsApprovalNotFound checks if an error indicates an approval instance was not found.
func IsApprovalNotFound(err error) bool {
	return errors.Is(err, ErrApprovalNotFound)
}

// IsVersionConflict checks if an error indicates a lost conditional write.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsAlreadyExists checks if an error indicates a duplicate create.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrTaskAlreadyExists) ||
		errors.Is(err, ErrWaitSetAlreadyExists) ||
		errors.Is(err, ErrApprovalAlreadyExists)
}

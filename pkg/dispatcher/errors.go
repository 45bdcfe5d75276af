package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedTaskType   = errors.New("unsupported task type")
	ErrInvalidTaskParameters = errors.New("invalid task parameters")
	ErrInvalidTimeout        = errors.New("task timeout must be positive")
	ErrTaskNotParked         = errors.New("task is not parked")
	ErrQueueUnavailable      = errors.New("remote task queue unavailable")
)

// TaskSubmissionError is returned when a descriptor cannot be accepted. No
// callback handle exists for a failed submission.
type TaskSubmissionError struct {
	Op       string
	TaskType string
	Err      error
}

func (e *TaskSubmissionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.TaskType, e.Err)
}

func (e *TaskSubmissionError) Unwrap() error {
	return e.Err
}

func IsSubmissionError(err error) bool {
	var submissionErr *TaskSubmissionError

	return errors.As(err, &submissionErr)
}

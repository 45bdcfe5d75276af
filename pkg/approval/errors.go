package approval

import (
	"errors"
	"fmt"

	"github.com/dukex/relay/pkg/models"
)

var (
	ErrDuplicateApproval    = errors.New("approver already acted on this instance")
	ErrUnauthorizedApprover = errors.New("actor is not an approver of this instance")
	ErrDeadlinePassed       = errors.New("approval deadline passed")
	ErrInvalidActivity      = errors.New("invalid approval activity")
	ErrInvalidRequest       = errors.New("invalid approval request")
)

// InvalidStateError is returned for any action on an instance that left WAITING.
type InvalidStateError struct {
	ID     string
	Status models.ApprovalStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("instance already completed. Status: %s", e.Status)
}

func IsInvalidState(err error) bool {
	var stateErr *InvalidStateError

	return errors.As(err, &stateErr)
}

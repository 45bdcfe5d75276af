package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// ApprovalRepository handles approval instance persistence in PostgreSQL.
type ApprovalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *sql.DB, logger *slog.Logger) *ApprovalRepository {
	return &ApprovalRepository{db: db, logger: logger}
}

func (ar *ApprovalRepository) CreateApproval(ctx context.Context, instance *models.ApprovalInstance) error {
	instance.Version = 1

	document, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal approval instance: %w", err)
	}

	_, err = ar.db.ExecContext(ctx, `
		INSERT INTO approval_instances (id, step_execution_key, status, deadline, resume_pending_since,
			document, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`,
		instance.ID,
		instance.StepExecutionKey,
		string(instance.Status),
		instance.Deadline,
		instance.ResumePendingSince(),
		document,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewRecordError("CreateApproval", "approval", instance.ID, persistence.ErrApprovalAlreadyExists)
		}

		return fmt.Errorf("failed to create approval instance: %w", err)
	}

	return nil
}

func (ar *ApprovalRepository) ApprovalByID(ctx context.Context, id string) (*models.ApprovalInstance, error) {
	row := ar.db.QueryRowContext(ctx, `SELECT document, version FROM approval_instances WHERE id = $1`, id)

	instance, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRecordError("ApprovalByID", "approval", id, persistence.ErrApprovalNotFound)
		}

		return nil, fmt.Errorf("failed to scan approval instance: %w", err)
	}

	return instance, nil
}

// UpdateApprovalIfWaiting only touches rows still WAITING at the expected version.
func (ar *ApprovalRepository) UpdateApprovalIfWaiting(ctx context.Context, instance *models.ApprovalInstance) error {
	return ar.update(ctx, "UpdateApprovalIfWaiting", instance, `
		UPDATE approval_instances
		SET status = $1, resume_pending_since = $2, document = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6 AND status = 'WAITING'
	`)
}

// UpdateApproval touches the row at the expected version whatever its status.
func (ar *ApprovalRepository) UpdateApproval(ctx context.Context, instance *models.ApprovalInstance) error {
	return ar.update(ctx, "UpdateApproval", instance, `
		UPDATE approval_instances
		SET status = $1, resume_pending_since = $2, document = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`)
}

func (ar *ApprovalRepository) ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalInstance, error) {
	return ar.query(ctx, `
		SELECT document, version FROM approval_instances
		WHERE status = 'WAITING' AND deadline <= $1
		ORDER BY deadline ASC
	`, now)
}

func (ar *ApprovalRepository) UnresumedApprovals(ctx context.Context, pendingBefore time.Time) ([]*models.ApprovalInstance, error) {
	return ar.query(ctx, `
		SELECT document, version FROM approval_instances
		WHERE resume_pending_since IS NOT NULL AND resume_pending_since <= $1
		ORDER BY resume_pending_since ASC
	`, pendingBefore)
}

func (ar *ApprovalRepository) update(ctx context.Context, op string, instance *models.ApprovalInstance, statement string) error {
	expected := instance.Version
	previousUpdatedAt := instance.UpdatedAt
	now := time.Now().UTC()

	instance.Version = expected + 1
	instance.UpdatedAt = now

	document, err := json.Marshal(instance)
	if err != nil {
		instance.Version = expected
		instance.UpdatedAt = previousUpdatedAt

		return fmt.Errorf("failed to marshal approval instance: %w", err)
	}

	result, err := ar.db.ExecContext(ctx, statement,
		string(instance.Status),
		instance.ResumePendingSince(),
		document,
		now,
		instance.ID,
		expected,
	)
	if err != nil {
		instance.Version = expected
		instance.UpdatedAt = previousUpdatedAt

		return fmt.Errorf("failed to update approval instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		instance.Version = expected
		instance.UpdatedAt = previousUpdatedAt

		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		instance.Version = expected
		instance.UpdatedAt = previousUpdatedAt

		cause := conditionalWriteError(ctx, ar.db,
			`SELECT EXISTS(SELECT 1 FROM approval_instances WHERE id = $1)`, instance.ID, persistence.ErrApprovalNotFound)

		return persistence.NewRecordError(op, "approval", instance.ID, cause)
	}

	return nil
}

func (ar *ApprovalRepository) query(ctx context.Context, query string, at time.Time) ([]*models.ApprovalInstance, error) {
	rows, err := ar.db.QueryContext(ctx, query, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			ar.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	instances := make([]*models.ApprovalInstance, 0)

	for rows.Next() {
		instance, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approval instances: %w", err)
	}

	return instances, nil
}

func scanApproval(scanner interface {
	Scan(dest ...any) error
}) (*models.ApprovalInstance, error) {
	var (
		document []byte
		version  int64
	)

	if err := scanner.Scan(&document, &version); err != nil {
		return nil, err
	}

	var instance models.ApprovalInstance
	if err := json.Unmarshal(document, &instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval instance: %w", err)
	}

	instance.Version = version

	return &instance, nil
}

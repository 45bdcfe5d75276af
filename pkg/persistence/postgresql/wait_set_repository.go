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

// WaitSetRepository handles wait set persistence in PostgreSQL.
type WaitSetRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWaitSetRepository creates a new wait set repository.
func NewWaitSetRepository(db *sql.DB, logger *slog.Logger) *WaitSetRepository {
	return &WaitSetRepository{db: db, logger: logger}
}

// CreateWaitSet inserts the wait set and its callback index in one transaction.
func (wr *WaitSetRepository) CreateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error {
	waitSet.Version = 1

	document, err := json.Marshal(waitSet)
	if err != nil {
		return fmt.Errorf("failed to marshal wait set: %w", err)
	}

	tx, err := wr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO step_wait_sets (step_execution_key, state, is_final, deadline, emission_pending_since,
			document, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`,
		waitSet.StepExecutionKey,
		string(waitSet.State),
		waitSet.IsFinal(),
		waitSet.Deadline,
		waitSet.EmissionPendingSince(),
		document,
		waitSet.CreatedAt,
		waitSet.UpdatedAt,
	)
	if err != nil {
		waitSet.Version = 0

		if isUniqueViolation(err) {
			return persistence.NewRecordError("CreateWaitSet", "wait_set", waitSet.StepExecutionKey, persistence.ErrWaitSetAlreadyExists)
		}

		return fmt.Errorf("failed to create wait set: %w", err)
	}

	for _, callbackID := range waitSet.CallbackIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO wait_set_callbacks (callback_id, step_execution_key) VALUES ($1, $2)`,
			callbackID, waitSet.StepExecutionKey)
		if err != nil {
			waitSet.Version = 0

			return fmt.Errorf("failed to index callback %s: %w", callbackID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		waitSet.Version = 0

		return fmt.Errorf("failed to commit wait set: %w", err)
	}

	return nil
}

// WaitSetByKey retrieves a wait set by its step execution key.
func (wr *WaitSetRepository) WaitSetByKey(ctx context.Context, stepExecutionKey string) (*models.StepWaitSet, error) {
	row := wr.db.QueryRowContext(ctx,
		`SELECT document, version FROM step_wait_sets WHERE step_execution_key = $1`, stepExecutionKey)

	waitSet, err := wr.scanWaitSet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRecordError("WaitSetByKey", "wait_set", stepExecutionKey, persistence.ErrWaitSetNotFound)
		}

		return nil, fmt.Errorf("failed to scan wait set: %w", err)
	}

	return waitSet, nil
}

// WaitSetKeyByCallback resolves the step execution key that registered a callback id.
func (wr *WaitSetRepository) WaitSetKeyByCallback(ctx context.Context, callbackID string) (string, error) {
	var key string

	err := wr.db.QueryRowContext(ctx,
		`SELECT step_execution_key FROM wait_set_callbacks WHERE callback_id = $1`, callbackID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.NewRecordError("WaitSetKeyByCallback", "callback", callbackID, persistence.ErrWaitSetNotFound)
		}

		return "", fmt.Errorf("failed to lookup callback: %w", err)
	}

	return key, nil
}

// UpdateWaitSet writes the wait set document when the stored version matches.
func (wr *WaitSetRepository) UpdateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error {
	expected := waitSet.Version
	now := time.Now().UTC()

	waitSet.Version = expected + 1
	waitSet.UpdatedAt = now

	document, err := json.Marshal(waitSet)
	if err != nil {
		waitSet.Version = expected

		return fmt.Errorf("failed to marshal wait set: %w", err)
	}

	result, err := wr.db.ExecContext(ctx, `
		UPDATE step_wait_sets
		SET state = $1, is_final = $2, deadline = $3, document = $4, updated_at = $5,
			emission_pending_since = $6, version = version + 1
		WHERE step_execution_key = $7 AND version = $8
	`,
		string(waitSet.State),
		waitSet.IsFinal(),
		waitSet.Deadline,
		document,
		now,
		waitSet.EmissionPendingSince(),
		waitSet.StepExecutionKey,
		expected,
	)
	if err != nil {
		waitSet.Version = expected

		return fmt.Errorf("failed to update wait set: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		waitSet.Version = expected

		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		waitSet.Version = expected

		cause := conditionalWriteError(ctx, wr.db,
			`SELECT EXISTS(SELECT 1 FROM step_wait_sets WHERE step_execution_key = $1)`,
			waitSet.StepExecutionKey, persistence.ErrWaitSetNotFound)

		return persistence.NewRecordError("UpdateWaitSet", "wait_set", waitSet.StepExecutionKey, cause)
	}

	return nil
}

// OverdueWaitSets returns non-final wait sets whose deadline passed.
func (wr *WaitSetRepository) OverdueWaitSets(ctx context.Context, now time.Time) ([]*models.StepWaitSet, error) {
	return wr.query(ctx, `
		SELECT document, version FROM step_wait_sets
		WHERE is_final = false AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline ASC
	`, now)
}

// UnemittedWaitSets returns final, unarchived wait sets pending since pendingBefore or earlier.
func (wr *WaitSetRepository) UnemittedWaitSets(ctx context.Context, pendingBefore time.Time) ([]*models.StepWaitSet, error) {
	return wr.query(ctx, `
		SELECT document, version FROM step_wait_sets
		WHERE emission_pending_since IS NOT NULL AND emission_pending_since <= $1
		ORDER BY emission_pending_since ASC
	`, pendingBefore)
}

func (wr *WaitSetRepository) query(ctx context.Context, query string, at time.Time) ([]*models.StepWaitSet, error) {
	rows, err := wr.db.QueryContext(ctx, query, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query wait sets: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			wr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	waitSets := make([]*models.StepWaitSet, 0)

	for rows.Next() {
		waitSet, err := wr.scanWaitSet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wait set: %w", err)
		}

		waitSets = append(waitSets, waitSet)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wait sets: %w", err)
	}

	return waitSets, nil
}

func (wr *WaitSetRepository) scanWaitSet(scanner interface {
	Scan(dest ...any) error
}) (*models.StepWaitSet, error) {
	var (
		document []byte
		version  int64
	)

	if err := scanner.Scan(&document, &version); err != nil {
		return nil, err
	}

	var waitSet models.StepWaitSet
	if err := json.Unmarshal(document, &waitSet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wait set: %w", err)
	}

	if waitSet.Callbacks == nil {
		waitSet.Callbacks = make(map[string]models.CallbackState)
	}

	waitSet.Version = version

	return &waitSet, nil
}

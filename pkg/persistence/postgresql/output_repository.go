package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/relay/pkg/models"
)

// OutputRepository handles structured output persistence in PostgreSQL.
type OutputRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewOutputRepository creates a new output repository.
func NewOutputRepository(db *sql.DB, logger *slog.Logger) *OutputRepository {
	return &OutputRepository{db: db, logger: logger}
}

func (or *OutputRepository) SaveOutput(ctx context.Context, stepExecutionKey string, output models.StructuredOutput) error {
	dataJSON, err := json.Marshal(output.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal output data: %w", err)
	}

	query := `
		INSERT INTO step_outputs (step_execution_key, name, kind, data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (step_execution_key, name) DO UPDATE SET
			kind = EXCLUDED.kind,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`

	_, err = or.db.ExecContext(ctx, query, stepExecutionKey, output.Name, string(output.Kind), dataJSON)
	if err != nil {
		return fmt.Errorf("failed to save output %s: %w", output.Name, err)
	}

	return nil
}

func (or *OutputRepository) Outputs(ctx context.Context, stepExecutionKey string) ([]models.StructuredOutput, error) {
	rows, err := or.db.QueryContext(ctx,
		`SELECT name, kind, data FROM step_outputs WHERE step_execution_key = $1 ORDER BY name ASC`, stepExecutionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query outputs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			or.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	outputs := make([]models.StructuredOutput, 0)

	for rows.Next() {
		var (
			output   models.StructuredOutput
			kind     string
			dataJSON []byte
		)

		if err := rows.Scan(&output.Name, &kind, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}

		output.Kind = models.OutputKind(kind)

		if err := json.Unmarshal(dataJSON, &output.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output data: %w", err)
		}

		outputs = append(outputs, output)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outputs: %w", err)
	}

	return outputs, nil
}

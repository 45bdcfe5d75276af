// Package postgresql provides PostgreSQL persistence for delegate tasks, wait sets,
// approval instances and outputs.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	taskRepo     *TaskRepository
	waitSetRepo  *WaitSetRepository
	approvalRepo *ApprovalRepository
	outputRepo   *OutputRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize components
	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:           database,
		logger:       logger,
		taskRepo:     NewTaskRepository(database, logger),
		waitSetRepo:  NewWaitSetRepository(database, logger),
		approvalRepo: NewApprovalRepository(database, logger),
		outputRepo:   NewOutputRepository(database, logger),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

func (p *Persistence) WaitSetRepository() persistence.WaitSetRepository {
	return p.waitSetRepo
}

func (p *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return p.approvalRepo
}

func (p *Persistence) OutputRepository() persistence.OutputRepository {
	return p.outputRepo
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// conditionalWriteError explains why a conditional write touched no row:
// either the record is gone or another writer got there first.
func conditionalWriteError(ctx context.Context, db *sql.DB, existsQuery, id string, notFound error) error {
	var exists bool

	err := db.QueryRowContext(ctx, existsQuery, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check record existence: %w", err)
	}

	if !exists {
		return notFound
	}

	return persistence.ErrVersionConflict
}

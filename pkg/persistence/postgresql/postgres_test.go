package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/persistence/persistencetest"
	"github.com/dukex/relay/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"step_outputs", "approval_instances", "wait_set_callbacks", "step_wait_sets", "delegate_tasks", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container tests in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("relay_test"),
			postgres.WithUsername("relay"),
			postgres.WithPassword("relay"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"delegate_tasks", "step_wait_sets", "wait_set_callbacks", "approval_instances", "step_outputs"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestNewPersistence_MigrationsAreIdempotent(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	again, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)
	require.NoError(t, again.Close(ctx))
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestPersistence_Repositories(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		p, _, _ := setupTestDB(t)

		return p
	})
}

func TestWaitSetRepository_EmissionPendingColumn(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)
	repo := p.WaitSetRepository()

	key := "exec-" + uuid.NewString() + "_step"
	require.NoError(t, repo.CreateWaitSet(ctx, persistencetest.NewWaitSet(key, "cb-"+uuid.NewString())))

	waitSet, err := repo.WaitSetByKey(ctx, key)
	require.NoError(t, err)

	waitSet.Outcome = &models.StepOutcome{StepExecutionKey: key, Status: models.StepStatusSucceeded, CompletedAt: time.Now().UTC()}
	require.NoError(t, repo.UpdateWaitSet(ctx, waitSet))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	var pending sql.NullTime

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT emission_pending_since FROM step_wait_sets WHERE step_execution_key = $1`, key).Scan(&pending))
	assert.True(t, pending.Valid)

	archivedAt := time.Now().UTC()
	waitSet.ArchivedAt = &archivedAt
	require.NoError(t, repo.UpdateWaitSet(ctx, waitSet))

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT emission_pending_since FROM step_wait_sets WHERE step_execution_key = $1`, key).Scan(&pending))
	assert.False(t, pending.Valid, "archived wait sets leave the pending index")
}

func TestTaskRepository_UpdateMissingTask(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	task := persistencetest.NewTask("cb-missing")
	task.Version = 1
	task.Status = models.TaskStatusAborted

	err := p.TaskRepository().UpdateTask(ctx, task)
	assert.True(t, persistence.IsTaskNotFound(err))
	assert.Equal(t, int64(1), task.Version)
}

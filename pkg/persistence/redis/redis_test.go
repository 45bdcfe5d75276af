package redis_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/persistence/persistencetest"
	relayredis "github.com/dukex/relay/pkg/persistence/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*relayredis.Persistence, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p := relayredis.NewPersistence(logger, client)

	t.Cleanup(func() {
		_ = p.Close(t.Context())
	})

	return p, mr
}

func TestPersistence_Repositories(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		p, _ := setupRedis(t)

		return p
	})
}

func TestPersistence_HealthCheck(t *testing.T) {
	p, mr := setupRedis(t)

	require.NoError(t, p.HealthCheck(t.Context()))

	mr.Close()
	assert.Error(t, p.HealthCheck(t.Context()))
}

func TestNewPersistenceFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := relayredis.NewPersistenceFromURL(t.Context(), logger, "redis://"+mr.Addr()+"/0", relayredis.WithPrefix("test"))
	require.NoError(t, err)

	defer func() { _ = p.Close(t.Context()) }()

	require.NoError(t, p.TaskRepository().CreateTask(t.Context(), persistencetest.NewTask("cb-1")))
	assert.True(t, mr.Exists("test:task:cb-1"))

	_, err = relayredis.NewPersistenceFromURL(t.Context(), logger, "not-a-url")
	assert.Error(t, err)
}

func TestWaitSetRepository_CallbackAlreadyRegistered(t *testing.T) {
	p, _ := setupRedis(t)
	repo := p.WaitSetRepository()

	require.NoError(t, repo.CreateWaitSet(t.Context(), persistencetest.NewWaitSet("exec-1_a", "cb-shared")))

	err := repo.CreateWaitSet(t.Context(), persistencetest.NewWaitSet("exec-1_b", "cb-shared"))
	require.Error(t, err)
	assert.True(t, persistence.IsAlreadyExists(err))

	_, err = repo.WaitSetByKey(t.Context(), "exec-1_b")
	assert.True(t, persistence.IsWaitSetNotFound(err))
}

func TestWaitSetRepository_FinalLeavesDeadlineIndex(t *testing.T) {
	p, mr := setupRedis(t)
	repo := p.WaitSetRepository()
	past := time.Now().Add(-time.Minute)

	waitSet := persistencetest.NewWaitSet("exec-2_step", "cb-1")
	waitSet.Deadline = &past
	require.NoError(t, repo.CreateWaitSet(t.Context(), waitSet))

	members, err := mr.ZMembers("relay:waitsets:deadline")
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-2_step"}, members)

	waitSet.Outcome = &models.StepOutcome{StepExecutionKey: "exec-2_step", Status: models.StepStatusSucceeded}
	require.NoError(t, repo.UpdateWaitSet(t.Context(), waitSet))

	members, _ = mr.ZMembers("relay:waitsets:deadline")
	assert.Empty(t, members)
}

func TestWaitSetRepository_EmissionIndex(t *testing.T) {
	p, mr := setupRedis(t)
	repo := p.WaitSetRepository()

	waitSet := persistencetest.NewWaitSet("exec-3_step", "cb-1")
	require.NoError(t, repo.CreateWaitSet(t.Context(), waitSet))
	assert.False(t, mr.Exists("relay:waitsets:emission"))

	waitSet.Outcome = &models.StepOutcome{StepExecutionKey: "exec-3_step", Status: models.StepStatusSucceeded, CompletedAt: time.Now().UTC()}
	require.NoError(t, repo.UpdateWaitSet(t.Context(), waitSet))

	members, err := mr.ZMembers("relay:waitsets:emission")
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-3_step"}, members)

	archivedAt := time.Now().UTC()
	waitSet.ArchivedAt = &archivedAt
	require.NoError(t, repo.UpdateWaitSet(t.Context(), waitSet))

	members, _ = mr.ZMembers("relay:waitsets:emission")
	assert.Empty(t, members)

	err = repo.CreateWaitSet(t.Context(), persistencetest.NewWaitSet("exec-3_step", "cb-2"))
	assert.True(t, persistence.IsAlreadyExists(err), "archived keys stay taken")
}

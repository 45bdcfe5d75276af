// Package persistencetest holds the behavior every persistence backend must share.
// Backends call Run from their own tests with a fresh, empty store.
package persistencetest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty persistence instance for one subtest.
type Factory func(t *testing.T) persistence.Persistence

// Run exercises the repositories of a backend.
func Run(t *testing.T, newPersistence Factory) {
	t.Helper()

	t.Run("task lifecycle", func(t *testing.T) { testTaskLifecycle(t, newPersistence(t)) })
	t.Run("due tasks", func(t *testing.T) { testDueTasks(t, newPersistence(t)) })
	t.Run("wait set lifecycle", func(t *testing.T) { testWaitSetLifecycle(t, newPersistence(t)) })
	t.Run("wait set concurrent update", func(t *testing.T) { testWaitSetConcurrentUpdate(t, newPersistence(t)) })
	t.Run("overdue wait sets", func(t *testing.T) { testOverdueWaitSets(t, newPersistence(t)) })
	t.Run("unemitted wait sets", func(t *testing.T) { testUnemittedWaitSets(t, newPersistence(t)) })
	t.Run("approval lifecycle", func(t *testing.T) { testApprovalLifecycle(t, newPersistence(t)) })
	t.Run("unresumed approvals", func(t *testing.T) { testUnresumedApprovals(t, newPersistence(t)) })
	t.Run("outputs upsert", func(t *testing.T) { testOutputs(t, newPersistence(t)) })
}

// NewTask builds a queued task fixture.
func NewTask(id string) *models.DelegateTask {
	now := time.Now().UTC().Truncate(time.Millisecond)
	expires := now.Add(time.Hour)

	return &models.DelegateTask{
		ID: id,
		Descriptor: models.TaskDescriptor{
			TaskType:   "ci.execute",
			Parameters: []byte(`{"command":"make test"}`),
			Timeout:    time.Hour,
		},
		Status:    models.TaskStatusQueued,
		ExpiresAt: &expires,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWaitSet builds a wait set fixture registering the given callback ids.
func NewWaitSet(key string, callbackIDs ...string) *models.StepWaitSet {
	waitSet := models.NewStepWaitSet(key, models.StepRef{Identifier: "dockerStepID"})
	for _, id := range callbackIDs {
		waitSet.AddCallback(id, "ci.execute")
	}

	return waitSet
}

func testTaskLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.TaskRepository()

	task := NewTask("cb-task-1")
	require.NoError(t, repo.CreateTask(ctx, task))
	assert.Equal(t, int64(1), task.Version)

	err := repo.CreateTask(ctx, NewTask("cb-task-1"))
	assert.True(t, persistence.IsAlreadyExists(err))

	loaded, err := repo.TaskByID(ctx, "cb-task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, loaded.Status)
	assert.Equal(t, "ci.execute", loaded.Descriptor.TaskType)

	loaded.Status = models.TaskStatusStarted
	require.NoError(t, repo.UpdateTask(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	// The first copy is now stale.
	task.Status = models.TaskStatusAborted
	err = repo.UpdateTask(ctx, task)
	assert.True(t, persistence.IsVersionConflict(err))

	_, err = repo.TaskByID(ctx, "missing")
	assert.True(t, persistence.IsTaskNotFound(err))
}

func testDueTasks(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.TaskRepository()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	expired := NewTask("cb-expired")
	expired.ExpiresAt = &past
	require.NoError(t, repo.CreateTask(ctx, expired))

	parked := NewTask("cb-parked")
	parked.Status = models.TaskStatusParked
	parked.ExpiresAt = nil
	parked.TriggerDeadline = &past
	require.NoError(t, repo.CreateTask(ctx, parked))

	require.NoError(t, repo.CreateTask(ctx, NewTask("cb-fresh")))

	done := NewTask("cb-done")
	done.Status = models.TaskStatusCompleted
	done.ExpiresAt = &past
	require.NoError(t, repo.CreateTask(ctx, done))

	due, err := repo.DueTasks(ctx, now)
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, task := range due {
		ids = append(ids, task.ID)
	}

	assert.ElementsMatch(t, []string{"cb-expired", "cb-parked"}, ids)
}

func testWaitSetLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.WaitSetRepository()

	waitSet := NewWaitSet("exec-1_step-1", "cb-a", "cb-b")
	waitSet.AuxiliaryContext["log_key"] = "logs/exec-1"
	require.NoError(t, repo.CreateWaitSet(ctx, waitSet))

	err := repo.CreateWaitSet(ctx, NewWaitSet("exec-1_step-1", "cb-c"))
	assert.True(t, persistence.IsAlreadyExists(err))

	key, err := repo.WaitSetKeyByCallback(ctx, "cb-b")
	require.NoError(t, err)
	assert.Equal(t, "exec-1_step-1", key)

	loaded, err := repo.WaitSetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"cb-a", "cb-b"}, loaded.CallbackIDs)
	assert.Equal(t, "logs/exec-1", loaded.AuxiliaryContext["log_key"])

	require.True(t, loaded.Resolve(models.RemoteExecutionResult{CallbackID: "cb-a", CommandStatus: models.CommandStatusSuccess}))
	require.NoError(t, repo.UpdateWaitSet(ctx, loaded))

	reloaded, err := repo.WaitSetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.WaitSetStatePartiallyResolved, reloaded.State)
	assert.True(t, reloaded.Callbacks["cb-a"].Resolved)
	assert.Equal(t, loaded.Version, reloaded.Version)

	archivedAt := time.Now().UTC()
	reloaded.Outcome = &models.StepOutcome{StepExecutionKey: key, Status: models.StepStatusSucceeded, CompletedAt: archivedAt}
	reloaded.ArchivedAt = &archivedAt
	require.NoError(t, repo.UpdateWaitSet(ctx, reloaded))

	// An archived step execution keeps its key and its callback ids.
	err = repo.CreateWaitSet(ctx, NewWaitSet(key, "cb-d"))
	assert.True(t, persistence.IsAlreadyExists(err))

	key, err = repo.WaitSetKeyByCallback(ctx, "cb-a")
	require.NoError(t, err)
	assert.Equal(t, "exec-1_step-1", key)

	_, err = repo.WaitSetByKey(ctx, "missing")
	assert.True(t, persistence.IsWaitSetNotFound(err))
}

func testWaitSetConcurrentUpdate(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.WaitSetRepository()

	require.NoError(t, repo.CreateWaitSet(ctx, NewWaitSet("exec-2_step-1", "cb-x")))

	const writers = 8

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			// Every writer reads version 1 before anyone writes.
			waitSet := NewWaitSet("exec-2_step-1", "cb-x")
			waitSet.Version = 1
			waitSet.Outcome = &models.StepOutcome{StepExecutionKey: "exec-2_step-1", Status: models.StepStatusSucceeded}

			if err := repo.UpdateWaitSet(ctx, waitSet); err == nil {
				succeeded.Add(1)
			} else {
				assert.True(t, persistence.IsVersionConflict(err))
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), succeeded.Load())
}

func testOverdueWaitSets(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.WaitSetRepository()
	now := time.Now().UTC()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	overdue := NewWaitSet("exec-3_overdue", "cb-o")
	overdue.Deadline = &past
	require.NoError(t, repo.CreateWaitSet(ctx, overdue))

	pending := NewWaitSet("exec-3_pending", "cb-p")
	pending.Deadline = &future
	require.NoError(t, repo.CreateWaitSet(ctx, pending))

	final := NewWaitSet("exec-3_final", "cb-f")
	final.Deadline = &past
	final.Outcome = &models.StepOutcome{Status: models.StepStatusSucceeded}
	require.NoError(t, repo.CreateWaitSet(ctx, final))

	result, err := repo.OverdueWaitSets(ctx, now)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "exec-3_overdue", result[0].StepExecutionKey)
}

func testUnemittedWaitSets(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.WaitSetRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)
	old := now.Add(-time.Hour)
	recent := now.Add(-time.Second)

	finalize := func(key string, completedAt time.Time, claimedAt, archivedAt *time.Time) {
		require.NoError(t, repo.CreateWaitSet(ctx, NewWaitSet(key, "cb-"+key)))

		waitSet, err := repo.WaitSetByKey(ctx, key)
		require.NoError(t, err)

		waitSet.Outcome = &models.StepOutcome{StepExecutionKey: key, Status: models.StepStatusSucceeded, CompletedAt: completedAt}
		waitSet.EmittedAt = claimedAt
		waitSet.ArchivedAt = archivedAt
		require.NoError(t, repo.UpdateWaitSet(ctx, waitSet))
	}

	finalize("exec-6_unclaimed", old, nil, nil)
	finalize("exec-6_stale-claim", old, &old, nil)
	finalize("exec-6_live-claim", old, &recent, nil)
	finalize("exec-6_fresh", recent, nil, nil)
	finalize("exec-6_archived", old, &old, &old)
	require.NoError(t, repo.CreateWaitSet(ctx, NewWaitSet("exec-6_open", "cb-open")))

	result, err := repo.UnemittedWaitSets(ctx, now.Add(-time.Minute))
	require.NoError(t, err)

	keys := make([]string, 0, len(result))
	for _, waitSet := range result {
		keys = append(keys, waitSet.StepExecutionKey)
	}

	assert.ElementsMatch(t, []string{"exec-6_unclaimed", "exec-6_stale-claim"}, keys)
}

func testApprovalLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.ApprovalRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)

	instance := &models.ApprovalInstance{
		ID:                   "approval-1",
		StepExecutionKey:     "exec-4_approval",
		Status:               models.ApprovalStatusWaiting,
		Approvers:            []string{"alice", "bob"},
		MinimumApprovalCount: 2,
		Timeout:              time.Hour,
		Deadline:             now.Add(-time.Second),
		Activities:           []models.ApprovalActivity{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, repo.CreateApproval(ctx, instance))
	assert.True(t, persistence.IsAlreadyExists(repo.CreateApproval(ctx, instance)))

	expired, err := repo.ExpiredApprovals(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	loaded, err := repo.ApprovalByID(ctx, "approval-1")
	require.NoError(t, err)

	loaded.Activities = append(loaded.Activities, models.ApprovalActivity{Actor: "alice", Action: models.ApprovalActionApprove, CreatedAt: now})
	loaded.Status = models.ApprovalStatusRejected
	require.NoError(t, repo.UpdateApprovalIfWaiting(ctx, loaded))

	// Terminal instances no longer accept writes, even with a current version.
	loaded.Status = models.ApprovalStatusApproved
	assert.True(t, persistence.IsVersionConflict(repo.UpdateApprovalIfWaiting(ctx, loaded)))

	reloaded, err := repo.ApprovalByID(ctx, "approval-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusRejected, reloaded.Status)
	assert.Len(t, reloaded.Activities, 1)

	expired, err = repo.ExpiredApprovals(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	_, err = repo.ApprovalByID(ctx, "missing")
	assert.True(t, persistence.IsApprovalNotFound(err))
}

func testUnresumedApprovals(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.ApprovalRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)
	old := now.Add(-time.Hour)

	instance := &models.ApprovalInstance{
		ID:                   "approval-2",
		StepExecutionKey:     "exec-7_approval",
		Status:               models.ApprovalStatusWaiting,
		MinimumApprovalCount: 1,
		Timeout:              time.Hour,
		Deadline:             now.Add(time.Hour),
		Activities:           []models.ApprovalActivity{},
		CreatedAt:            old,
		UpdatedAt:            old,
	}
	require.NoError(t, repo.CreateApproval(ctx, instance))

	unresumed, err := repo.UnresumedApprovals(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, unresumed)

	instance.Status = models.ApprovalStatusAborted
	instance.CompletedAt = &old
	require.NoError(t, repo.UpdateApprovalIfWaiting(ctx, instance))

	unresumed, err = repo.UnresumedApprovals(ctx, now)
	require.NoError(t, err)
	require.Len(t, unresumed, 1)
	assert.Equal(t, "approval-2", unresumed[0].ID)

	unresumed, err = repo.UnresumedApprovals(ctx, old.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, unresumed, "completed after the cutoff")

	// Marking the resume is allowed on a terminal instance, but only at the current version.
	stale, err := repo.ApprovalByID(ctx, "approval-2")
	require.NoError(t, err)

	instance.ResumedAt = &now
	require.NoError(t, repo.UpdateApproval(ctx, instance))

	stale.ResumedAt = &now
	assert.True(t, persistence.IsVersionConflict(repo.UpdateApproval(ctx, stale)))

	unresumed, err = repo.UnresumedApprovals(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, unresumed)
}

func testOutputs(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	repo := p.OutputRepository()

	require.NoError(t, repo.SaveOutput(ctx, "exec-5_step", models.StructuredOutput{
		Name: "output", Kind: models.OutputKindVariables, Data: map[string]any{"VERSION": "1"},
	}))
	require.NoError(t, repo.SaveOutput(ctx, "exec-5_step", models.StructuredOutput{
		Name: "artifact_dockerStepID", Kind: models.OutputKindArtifact, Data: map[string]any{"image": "a"},
	}))
	require.NoError(t, repo.SaveOutput(ctx, "exec-5_step", models.StructuredOutput{
		Name: "output", Kind: models.OutputKindVariables, Data: map[string]any{"VERSION": "2"},
	}))

	outputs, err := repo.Outputs(ctx, "exec-5_step")
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "artifact_dockerStepID", outputs[0].Name)
	assert.Equal(t, "output", outputs[1].Name)
	assert.Equal(t, "2", outputs[1].Data["VERSION"])

	empty, err := repo.Outputs(ctx, "exec-unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

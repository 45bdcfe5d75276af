package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	// Test with regular path
	fp := NewPersistence("/tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)

	// Test with file:// prefix
	fp = NewPersistence("file:///tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)
}

func TestPersistence_Close(t *testing.T) {
	fp := NewPersistence("./test-data")
	err := fp.Close(t.Context())
	assert.NoError(t, err)
}

func TestPersistence_HealthCheck(t *testing.T) {
	fp := NewPersistence(t.TempDir())
	require.NoError(t, fp.HealthCheck(t.Context()))

	missing := NewPersistence(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, missing.HealthCheck(t.Context()), os.ErrNotExist)
}

func TestPersistence_Repositories(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return NewPersistence(t.TempDir())
	})
}

func TestWaitSetRepository_RejectsPathTraversal(t *testing.T) {
	fp := NewPersistence(t.TempDir())

	err := fp.WaitSetRepository().CreateWaitSet(t.Context(), persistencetest.NewWaitSet("../escape", "cb-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid characters")

	err = fp.WaitSetRepository().CreateWaitSet(t.Context(), persistencetest.NewWaitSet("exec_step", "cb/1"))
	require.Error(t, err)

	_, err = fp.TaskRepository().TaskByID(t.Context(), "")
	assert.Error(t, err)
}

func TestWaitSetRepository_FileLayout(t *testing.T) {
	testDir := t.TempDir()
	fp := NewPersistence(testDir)

	waitSet := persistencetest.NewWaitSet("exec-1_step", "cb-1")
	waitSet.State = models.WaitSetStateAwaiting
	require.NoError(t, fp.WaitSetRepository().CreateWaitSet(t.Context(), waitSet))

	assert.FileExists(t, filepath.Join(testDir, "wait_sets", "exec-1_step.json"))
	assert.FileExists(t, filepath.Join(testDir, "callbacks", "cb-1.json"))
}

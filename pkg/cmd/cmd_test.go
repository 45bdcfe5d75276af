package cmd

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/mocks"
	"github.com/dukex/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"./data", "file"},
		{"file:///var/lib/relay", "file"},
		{"postgres://user:pass@db:5432/relay", "postgresql"},
		{"postgresql://db/relay", "postgresql"},
		{"redis://localhost:6379/0", "redis"},
		{"rediss://cache:6380", "redis"},
		{"mongodb://db", "mongodb"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePersistenceProvider(tt.url))
		})
	}
}

func TestNewPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		p, err := NewPersistence(ctx, slog.Default(), "file://"+t.TempDir())
		require.NoError(t, err)
		assert.NoError(t, p.HealthCheck(ctx))
	})

	t.Run("redis", func(t *testing.T) {
		server := miniredis.RunT(t)

		p, err := NewPersistence(ctx, slog.Default(), "redis://"+server.Addr())
		require.NoError(t, err)
		assert.NoError(t, p.HealthCheck(ctx))
		assert.NoError(t, p.Close(ctx))
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewPersistence(ctx, slog.Default(), "mongodb://db")
		assert.Error(t, err)
	})
}

func TestNewEventBus(t *testing.T) {
	bus, err := NewEventBus(slog.Default(), "gochannel", "", "relay-test")
	require.NoError(t, err)
	assert.NoError(t, bus.Close())

	_, err = NewEventBus(slog.Default(), "kafka", "", "relay-test")
	assert.Error(t, err)

	_, err = NewEventBus(slog.Default(), "rabbitmq", "", "relay-test")
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"ci.execute", "ci.initialize", "helm.deploy"}, reg.TaskTypes())
}

func TestNewServices(t *testing.T) {
	ctx := context.Background()

	reg, err := NewRegistry(slog.Default())
	require.NoError(t, err)

	p, err := NewPersistence(ctx, slog.Default(), t.TempDir())
	require.NoError(t, err)

	tracer, shutdown := NewTracer(ctx, slog.Default(), false, "relay-test")
	require.NoError(t, shutdown(ctx))

	services := NewServices(slog.Default(), p, reg, mocks.NewAcceptingEventBus(), metrics.NewNop(), tracer)

	waitSet, err := services.Launcher.Start(ctx, models.StepConfig{
		StepExecutionKey: "exec-1_build",
		Step:             models.StepRef{Identifier: "build"},
		Tasks:            []models.TaskConfig{{TaskType: "ci.execute", Parameters: map[string]any{"command": "make"}}},
	}, models.RuntimeContext{})
	require.NoError(t, err)

	stored, err := services.WaitSets.Get(ctx, waitSet.StepExecutionKey)
	require.NoError(t, err)
	assert.Equal(t, waitSet.CallbackIDs, stored.CallbackIDs)

	task, err := services.Dispatcher.Status(ctx, waitSet.CallbackIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
}

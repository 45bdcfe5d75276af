package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetup_Levels(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	tests := []struct {
		level   string
		enabled slog.Level
		hidden  slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level)

			handler := slog.Default().Handler()
			assert.True(t, handler.Enabled(context.Background(), tt.enabled))
			assert.False(t, handler.Enabled(context.Background(), tt.hidden))
		})
	}
}

func TestWithModule(t *testing.T) {
	assert.NotNil(t, WithModule("reconciler"))
}

func TestSetupWithFormat_JSON(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	SetupWithFormat("info", "json", &buf)

	WithModule("dispatcher").Info("task queued", "callback_id", "cb-1")

	assert.Contains(t, buf.String(), `"module":"dispatcher"`)
	assert.Contains(t, buf.String(), `"callback_id":"cb-1"`)
}

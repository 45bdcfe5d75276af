package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TasksSubmitted.WithLabelValues("ci.execute", "queued").Inc()
	m.StepOutcomes.WithLabelValues("FAILED").Add(2)
	m.StepWaitDuration.Observe(3)

	assert.InDelta(t, 1, testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("ci.execute", "queued")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.StepOutcomes.WithLabelValues("FAILED")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}

	assert.Contains(t, names, "relay_tasks_submitted_total")
	assert.Contains(t, names, "relay_step_wait_duration_seconds")
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestNewNop_IsIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}

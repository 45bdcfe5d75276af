// Package metrics exposes relay counters and histograms to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

type Metrics struct {
	TasksSubmitted      *prometheus.CounterVec
	TasksAborted        prometheus.Counter
	TasksExpired        prometheus.Counter
	ResponsesReceived   *prometheus.CounterVec
	DuplicateResponses  prometheus.Counter
	StepOutcomes        *prometheus.CounterVec
	StepWaitDuration    prometheus.Histogram
	ApprovalTransitions *prometheus.CounterVec
}

// NewMetrics registers every collector on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Delegate tasks accepted by the dispatcher",
			},
			[]string{"task_type", "mode"},
		),
		TasksAborted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_aborted_total",
				Help:      "Delegate tasks moved to ABORTED",
			},
		),
		TasksExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_expired_total",
				Help:      "Delegate tasks that outlived their trigger window or timeout",
			},
		),
		ResponsesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_received_total",
				Help:      "Delegate responses interpreted by the reconciler",
			},
			[]string{"command_status", "transport_error"},
		),
		DuplicateResponses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_duplicate_total",
				Help:      "Responses for callback ids that were already resolved",
			},
		),
		StepOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_outcomes_total",
				Help:      "Step outcomes emitted",
			},
			[]string{"status"},
		),
		StepWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_wait_duration_seconds",
				Help:      "Time between wait set creation and outcome emission",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
			},
		),
		ApprovalTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_transitions_total",
				Help:      "Approval instances reaching a terminal status",
			},
			[]string{"status"},
		),
	}
}

// NewNop returns metrics registered on a private registry, for callers that do not export them.
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

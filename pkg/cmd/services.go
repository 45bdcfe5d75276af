package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/relay/pkg/approval"
	"github.com/dukex/relay/pkg/correlation"
	"github.com/dukex/relay/pkg/dispatcher"
	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/execution"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/reconciler"
	"github.com/dukex/relay/pkg/registry"
	"github.com/dukex/relay/pkg/taskbuilder"
	"go.opentelemetry.io/otel/trace"
)

// Services are the relay components shared by the API and the orchestrator.
type Services struct {
	Dispatcher *dispatcher.Dispatcher
	WaitSets   *correlation.Store
	Reconciler *reconciler.Reconciler
	Launcher   *execution.Launcher
	Approvals  *approval.Service
}

func NewServices(
	logger *slog.Logger,
	p persistence.Persistence,
	reg *registry.Registry,
	publisher eventbus.EventPublisher,
	m *metrics.Metrics,
	tracer trace.Tracer,
) *Services {
	d := dispatcher.NewDispatcher(logger, p.TaskRepository(), reg, publisher,
		dispatcher.WithMetrics(m), dispatcher.WithTracer(tracer))
	waitSets := correlation.NewStore(logger, p.WaitSetRepository())

	return &Services{
		Dispatcher: d,
		WaitSets:   waitSets,
		Reconciler: reconciler.NewReconciler(logger, waitSets, reg, p.OutputRepository(), d, publisher,
			reconciler.WithMetrics(m), reconciler.WithTracer(tracer)),
		Launcher: execution.NewLauncher(logger, taskbuilder.NewBuilder(), d, waitSets,
			execution.WithTracer(tracer)),
		Approvals: approval.NewService(logger, p.ApprovalRepository(), publisher,
			approval.WithMetrics(m), approval.WithTracer(tracer)),
	}
}

// NewTracer returns an OTLP tracer when enabled and a noop tracer otherwise.
// The shutdown function is always safe to call.
// nolint:ireturn
func NewTracer(ctx context.Context, logger *slog.Logger, enabled bool, serviceName string) (trace.Tracer, func(context.Context) error) {
	noopShutdown := func(context.Context) error { return nil }

	if !enabled {
		return otelhelper.NewNoopTracer(), noopShutdown
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "Tracing disabled, exporter setup failed", "error", err)

		return otelhelper.NewNoopTracer(), noopShutdown
	}

	return tracer, shutdown
}

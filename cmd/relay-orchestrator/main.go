package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/relay/pkg/cmd"
	"github.com/dukex/relay/pkg/log"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/sweeper"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "relay-orchestrator",
		Usage:                 "Resolve delegate responses into step outcomes and expire overdue work",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL (postgres://, redis:// or a directory path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka broker addresses",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "sweep-interval",
				Usage:   "Cron schedule of the expiry sweep",
				Value:   sweeper.DefaultSchedule,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		log.WithModule("orchestrator").Error("Relay orchestrator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.SetupWithFormat(command.String("log-level"), command.String("log-format"), os.Stderr)

	logger := log.WithModule("orchestrator")
	logger.InfoContext(ctx, "Initializing relay orchestrator")

	tracer, shutdownTracer := cmd.NewTracer(ctx, logger, command.Bool("otel-enabled"), "relay-orchestrator")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	reg, err := cmd.NewRegistry(logger)
	if err != nil {
		return err
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"), "relay-orchestrator")
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	services := cmd.NewServices(logger, persistence, reg, eventBus, metrics.NewNop(), tracer)

	sweep, err := sweeper.NewSweeper(logger, command.String("sweep-interval"),
		services.Dispatcher, services.Reconciler, services.Approvals)
	if err != nil {
		return err
	}

	return NewOrchestrator(logger, eventBus, services.Reconciler, sweep).Run(ctx)
}

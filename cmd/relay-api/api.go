// Package main provides the relay API server.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/relay/pkg/cmd"
	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	services    *cmd.Services
	eventBus    eventbus.EventPublisher
	gatherer    prometheus.Gatherer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	services *cmd.Services,
	eventBus eventbus.EventPublisher,
	gatherer prometheus.Gatherer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		services:    services,
		eventBus:    eventBus,
		gatherer:    gatherer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.logger, web.Dependencies{
		Launcher:    a.services.Launcher,
		Tasks:       a.services.Dispatcher,
		WaitSets:    a.services.WaitSets,
		Steps:       a.services.Reconciler,
		Outputs:     a.persistence.OutputRepository(),
		Approvals:   a.services.Approvals,
		Publisher:   a.eventBus,
		Persistence: a.persistence,
	}, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Relay API")
	})

	handlers.Routes(app)

	return app
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *API) Run(ctx context.Context, port int) error {
	app := a.App()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	})

	g.Go(func() error {
		<-ctx.Done()

		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	a.logger.InfoContext(ctx, "Relay API listening", "port", port)

	return g.Wait()
}

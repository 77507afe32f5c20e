package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger   *slog.Logger
	store    persistence.Store
	steps    web.StepCatalog
	eventBus eventbus.EventPublisher
	validate *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Store,
	steps web.StepCatalog,
	eventBus eventbus.EventPublisher,
) *API {
	return &API{
		logger:   logger,
		store:    store,
		steps:    steps,
		eventBus: eventBus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() (*fiber.App, error) {
	handlers, err := web.NewAPIHandlers(a.eventBus, a.store, a.steps, a.validate, a.logger)
	if err != nil {
		return nil, err
	}

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("agentflow API")
	})

	handlers.Routes(app)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}

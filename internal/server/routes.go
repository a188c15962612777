package server

import (
	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/core/metrics"
	"github.com/RegularizePGFN/regularize-bot/internal/core/probe"
	"github.com/RegularizePGFN/regularize-bot/internal/core/registration"
	"github.com/RegularizePGFN/regularize-bot/internal/health"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Jobs         job.Store
	Probe        *probe.Service
	Registration *registration.Service
	OTP          registration.Deliverer
	Metrics      *metrics.Service
	Checks       map[string]health.Check
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	healthHandler := health.NewHealthHandler(d.Checks)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	probeHandler := probe.NewHandler(d.Jobs, d.Probe)
	api.Post("/probes", probeHandler.HandleCreate)
	api.Get("/probes/:jobId", probeHandler.HandleGet)

	regHandler := registration.NewHandler(d.Registration, d.OTP)
	api.Post("/registrations", regHandler.HandleCreate)
	api.Get("/registrations/:jobId", regHandler.HandleGet)
	api.Post("/registrations/:jobId/otp", regHandler.HandleOTP)

	if d.Metrics != nil {
		metricsHandler := metrics.NewHandler(d.Metrics)
		api.Get("/metrics", metricsHandler.HandleGet)
		api.Post("/metrics/refresh", metricsHandler.HandleRefresh)
	}

	return healthHandler
}

package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker reports whether the product store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RegisterRoutes mounts the query API, health and metrics endpoints.
func RegisterRoutes(app *fiber.App, store HealthChecker, h *QueryHandler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.HealthCheck(healthCtx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"checks": fiber.Map{"store": err.Error()},
			})
		}
		return c.JSON(fiber.Map{
			"status": "ok",
			"checks": fiber.Map{"store": "ok"},
		})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/products/top", h.TopProducts)
	v1.Get("/products/:id/trend", h.ProductTrend)
	v1.Get("/categories/rollup", h.CategoryRollup)
}

// NewApp creates the fiber app serving the query API.
func NewApp(store HealthChecker, h *QueryHandler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "banggood-pipeline",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})
	RegisterRoutes(app, store, h)
	return app
}

package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(app *fiber.App, h *RiskHandler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"store": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	risk := app.Group("/risk")
	risk.Get("/exposures", h.ExposuresHandler)
	risk.Get("/pnl", h.PnLHandler)
	risk.Get("/volatility/:product", h.VolatilityHandler)
	risk.Get("/killswitch", h.KillSwitchStateHandler)
	risk.Post("/killswitch", h.EngageKillSwitchHandler)
	risk.Post("/killswitch/reset", h.ResetKillSwitchHandler)
}

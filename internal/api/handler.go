package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/bus"
	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

// StateReader is the read-side of the risk store needed by the API.
type StateReader interface {
	GetExposures(ctx context.Context) ([]model.ExposureRecord, error)
	GetExposure(ctx context.Context, product string) (model.ExposureRecord, error)
	GetDailyPnL(ctx context.Context) (model.DailyPnL, error)
	GetKillSwitch(ctx context.Context) (model.KillSwitchState, error)
	SetKillSwitch(ctx context.Context, engaged bool, reason string) error
	CountOpenOrders(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
}

// VolReader exposes current volatility estimates.
type VolReader interface {
	Snapshot(product string) []model.VolatilityEstimate
}

// Publisher is the outbound slice of the bus used for manual kill-switch events.
type Publisher interface {
	Publish(ctx context.Context, ch bus.Channel, env *model.Envelope) error
}

// RiskHandler serves the operational read API and the manual kill-switch
// controls.
type RiskHandler struct {
	logger *zap.Logger
	store  StateReader
	vol    VolReader
	pub    Publisher
}

func NewRiskHandler(logger *zap.Logger, store StateReader, vol VolReader, pub Publisher) *RiskHandler {
	return &RiskHandler{
		logger: logger,
		store:  store,
		vol:    vol,
		pub:    pub,
	}
}

// ExposuresHandler returns every product's current exposure plus the open
// order count.
func (h *RiskHandler) ExposuresHandler(c *fiber.Ctx) error {
	exposures, err := h.store.GetExposures(c.Context())
	if err != nil {
		return storeError(c, err)
	}
	open, err := h.store.CountOpenOrders(c.Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(fiber.Map{
		"exposures":   exposures,
		"open_orders": open,
	})
}

// PnLHandler returns the current trading day's PnL and kill-switch state.
func (h *RiskHandler) PnLHandler(c *fiber.Ctx) error {
	pnl, err := h.store.GetDailyPnL(c.Context())
	if err != nil {
		return storeError(c, err)
	}
	ks, err := h.store.GetKillSwitch(c.Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(fiber.Map{
		"pnl":         pnl,
		"kill_switch": ks,
	})
}

// VolatilityHandler returns the per-model sigma estimates for one product.
// Models still inside their warm-up window are omitted.
func (h *RiskHandler) VolatilityHandler(c *fiber.Ctx) error {
	product := c.Params("product")
	if product == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "product is required"})
	}
	estimates := h.vol.Snapshot(product)
	return c.JSON(fiber.Map{
		"product":   product,
		"estimates": estimates,
	})
}

// KillSwitchStateHandler returns the current kill-switch state.
func (h *RiskHandler) KillSwitchStateHandler(c *fiber.Ctx) error {
	ks, err := h.store.GetKillSwitch(c.Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(ks)
}

// KillSwitchEngageRequest is the body for a manual halt.
type KillSwitchEngageRequest struct {
	Reason string `json:"reason"`
}

// EngageKillSwitchHandler halts trading manually. Idempotent: engaging an
// already-engaged switch succeeds without re-emitting an event.
func (h *RiskHandler) EngageKillSwitchHandler(c *fiber.Ctx) error {
	var req KillSwitchEngageRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}
	reason := model.KillReasonManual
	if req.Reason != "" {
		reason = req.Reason
	}
	return h.setKillSwitch(c, true, reason)
}

// ResetKillSwitchHandler clears the kill switch. This is the only path that
// can disengage it; an operator has to make the call deliberately.
func (h *RiskHandler) ResetKillSwitchHandler(c *fiber.Ctx) error {
	return h.setKillSwitch(c, false, "")
}

func (h *RiskHandler) setKillSwitch(c *fiber.Ctx, engaged bool, reason string) error {
	prev, err := h.store.GetKillSwitch(c.Context())
	if err != nil {
		return storeError(c, err)
	}
	if prev.Engaged == engaged {
		return c.JSON(prev)
	}

	if err := h.store.SetKillSwitch(c.Context(), engaged, reason); err != nil {
		return storeError(c, err)
	}
	metrics.SetKillSwitch(engaged)

	state := model.KillSwitchState{Engaged: engaged, Reason: reason}
	if engaged {
		state.EngagedAt = time.Now().UTC()
	}

	h.logger.Warn("api.kill_switch_changed",
		zap.Bool("engaged", engaged),
		zap.String("reason", reason))

	env, err := model.NewEnvelope(string(bus.ChannelKillSwitch), "kill_switch.manual", uuid.Nil, model.KillSwitchEvent{
		Engaged:   engaged,
		Reason:    reason,
		EngagedAt: state.EngagedAt,
	})
	if err == nil {
		if perr := h.pub.Publish(c.Context(), bus.ChannelKillSwitch, env); perr != nil {
			h.logger.Warn("api.kill_switch_publish_failed", zap.Error(perr))
		}
	}

	return c.JSON(state)
}

func storeError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
}

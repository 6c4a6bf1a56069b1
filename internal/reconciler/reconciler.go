package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/bus"
	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/internal/store"
	"github.com/Checker-Finance/riskgate/internal/volatility"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

// Store is the slice of the risk store the reconciler mutates.
type Store interface {
	ApplyFillOnce(ctx context.Context, fillID string, effect func(context.Context) error) (bool, error)
	IncrementExposure(ctx context.Context, product string, deltaSize, deltaNotional decimal.Decimal) (model.ExposureRecord, error)
	GetExposure(ctx context.Context, product string) (model.ExposureRecord, error)
	AddRealizedPnL(ctx context.Context, delta decimal.Decimal) (model.DailyPnL, error)
	SetUnrealizedPnL(ctx context.Context, product string, value decimal.Decimal) error
	GetDailyPnL(ctx context.Context) (model.DailyPnL, error)
	UpdatePeakEquity(ctx context.Context, equity float64) (float64, error)
	GetKillSwitch(ctx context.Context) (model.KillSwitchState, error)
	SetKillSwitch(ctx context.Context, engaged bool, reason string) error
	CountOpenOrders(ctx context.Context) (int64, error)
	ReleaseOpenOrder(ctx context.Context, orderID string) error
	AuditFill(ctx context.Context, f model.Fill)
	AuditDailyPnL(ctx context.Context, pnl model.DailyPnL)
}

// Publisher is the outbound slice of the bus.
type Publisher interface {
	Publish(ctx context.Context, ch bus.Channel, env *model.Envelope) error
}

// Thresholds are the post-trade loss limits. Zero disables a threshold.
type Thresholds struct {
	// DailyMaxLoss engages the kill switch when cumulative daily PnL reaches
	// -DailyMaxLoss.
	DailyMaxLoss decimal.Decimal
	// MaxDrawdown engages the kill switch when equity falls that far below the
	// trading day's peak.
	MaxDrawdown decimal.Decimal
}

// Reconciler consumes fills and tickers, applies their effects to the shared
// store exactly once, and engages the kill switch when loss thresholds are
// crossed. Engagement is one-directional here: the reconciler never clears the
// switch, since auto-resume after a loss event is an unacceptable risk.
type Reconciler struct {
	store      Store
	pub        Publisher
	vol        *volatility.Estimator
	thresholds Thresholds
	logger     *zap.Logger

	// retryMax bounds in-line retries on store outage before handing the fill
	// back to the bus for redelivery. A fill is never dropped.
	retryMax int
}

func New(st Store, pub Publisher, vol *volatility.Estimator, thresholds Thresholds, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:      st,
		pub:        pub,
		vol:        vol,
		thresholds: thresholds,
		logger:     logger,
		retryMax:   3,
	}
}

// FillHandler returns the bus handler for the fill channel.
func (r *Reconciler) FillHandler() bus.Handler {
	return func(ctx context.Context, env *model.Envelope) error {
		var fill model.Fill
		if err := env.Decode(&fill); err != nil {
			// Undecodable fills cannot be applied; surface loudly but do not
			// request redelivery of a permanently broken payload.
			r.logger.Error("reconciler.fill_decode_failed",
				zap.String("event_id", env.ID.String()),
				zap.Error(err))
			metrics.IncError("reconciler", "decode_failed")
			return nil
		}
		return r.HandleFill(ctx, fill)
	}
}

// TickerHandler returns the bus handler for the ticker channel.
func (r *Reconciler) TickerHandler() bus.Handler {
	return func(ctx context.Context, env *model.Envelope) error {
		var t model.Ticker
		if err := env.Decode(&t); err != nil {
			r.logger.Error("reconciler.ticker_decode_failed", zap.Error(err))
			metrics.IncError("reconciler", "decode_failed")
			return nil
		}
		return r.HandleTicker(ctx, t)
	}
}

// HandleFill applies one fill at most once. Store outages are retried with
// backoff in-line; when retries exhaust, the error propagates so the bus
// redelivers, because losing a fill's balance effect is a correctness
// violation, not a recoverable miss.
func (r *Reconciler) HandleFill(ctx context.Context, fill model.Fill) error {
	var lastErr error
	for attempt := 0; attempt <= r.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bus.Backoff(attempt - 1)):
			}
		}

		err := r.applyFill(ctx, fill)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		lastErr = err
		metrics.IncFill(fill.Product, "retried")
		r.logger.Warn("reconciler.store_unavailable",
			zap.String("fill_id", fill.FillID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return lastErr
}

func (r *Reconciler) applyFill(ctx context.Context, fill model.Fill) error {
	applied, err := r.store.ApplyFillOnce(ctx, fill.FillID, func(ctx context.Context) error {
		return r.settle(ctx, fill)
	})
	if err != nil {
		return err
	}
	if !applied {
		// Duplicate delivery: drop silently so subscribers see no false
		// signal. Debug level only.
		r.logger.Debug("reconciler.duplicate_fill",
			zap.String("fill_id", fill.FillID),
			zap.String("product", fill.Product))
		metrics.IncFill(fill.Product, "duplicate")
		return nil
	}

	metrics.IncFill(fill.Product, "applied")
	r.store.AuditFill(ctx, fill)
	return r.evaluateAndEmit(ctx, fill.Product, fill.Price)
}

// settle is the balance effect guarded by the fill marker: exposure, average
// cost, realized and unrealized PnL.
func (r *Reconciler) settle(ctx context.Context, fill model.Fill) error {
	prev, err := r.store.GetExposure(ctx, fill.Product)
	if err != nil {
		return err
	}

	signedSize := fill.Size.Abs().Mul(fill.Side.Sign())
	deltaBasis, realized := fillEffect(prev.Position, prev.Notional, signedSize, fill.Price)

	next, err := r.store.IncrementExposure(ctx, fill.Product, signedSize, deltaBasis)
	if err != nil {
		return err
	}

	if !realized.IsZero() {
		if _, err := r.store.AddRealizedPnL(ctx, realized); err != nil {
			return err
		}
	}

	// Unrealized marked at the fill price: position*(mark - avgCost), which is
	// position*mark - basis.
	unrealized := next.Position.Mul(fill.Price).Sub(next.Notional)
	if err := r.store.SetUnrealizedPnL(ctx, fill.Product, unrealized); err != nil {
		return err
	}

	// Free the slot the gate claimed, keyed on the originating order so a
	// sequence of partial fills releases it exactly once.
	if fill.OrderID == "" {
		return nil
	}
	return r.store.ReleaseOpenOrder(ctx, fill.OrderID)
}

// fillEffect computes the cost-basis increment and realized PnL delta for a
// signed fill against the current position and basis.
//
// Increasing fills extend the basis at the fill price. Reducing fills remove
// basis at average cost and realize the difference; a fill that flips the
// position opens the remainder at the fill price.
func fillEffect(position, basis, signedSize, price decimal.Decimal) (deltaBasis, realized decimal.Decimal) {
	if position.IsZero() || position.Sign() == signedSize.Sign() {
		return signedSize.Mul(price), decimal.Zero
	}

	avgCost := basis.Div(position)

	closed := signedSize
	if signedSize.Abs().GreaterThan(position.Abs()) {
		closed = position.Neg()
	}
	remainder := signedSize.Sub(closed)

	// closed is opposite in sign to the position, so -closed is the closed
	// quantity with the position's sign.
	realized = closed.Neg().Mul(price.Sub(avgCost))
	deltaBasis = closed.Mul(avgCost).Add(remainder.Mul(price))
	return deltaBasis, realized
}

// HandleTicker feeds the volatility estimator and re-marks unrealized PnL for
// any open position in the ticked product.
func (r *Reconciler) HandleTicker(ctx context.Context, t model.Ticker) error {
	mark, _ := t.Price.Float64()
	r.vol.Observe(t.Product, mark, t.Timestamp)

	exp, err := r.store.GetExposure(ctx, t.Product)
	if err != nil {
		// Mark-to-market is refreshed on the next tick; do not request
		// redelivery of stale market data.
		r.logger.Warn("reconciler.mark_skipped",
			zap.String("product", t.Product),
			zap.Error(err))
		return nil
	}
	if exp.Position.IsZero() {
		return nil
	}

	unrealized := exp.Position.Mul(t.Price).Sub(exp.Notional)
	if err := r.store.SetUnrealizedPnL(ctx, t.Product, unrealized); err != nil {
		r.logger.Warn("reconciler.mark_failed",
			zap.String("product", t.Product),
			zap.Error(err))
		return nil
	}
	return r.evaluateAndEmit(ctx, t.Product, t.Price)
}

// evaluateAndEmit recomputes daily PnL, evaluates the loss thresholds, and
// publishes the post-mutation update events.
func (r *Reconciler) evaluateAndEmit(ctx context.Context, product string, mark decimal.Decimal) error {
	pnl, err := r.store.GetDailyPnL(ctx)
	if err != nil {
		return err
	}

	cumulative, _ := pnl.Cumulative.Float64()
	metrics.DailyPnL.Set(cumulative)

	engagedNow, reason := r.evaluateThresholds(ctx, pnl)

	ks, err := r.store.GetKillSwitch(ctx)
	if err != nil {
		return err
	}
	if engagedNow && !ks.Engaged {
		if err := r.store.SetKillSwitch(ctx, true, reason); err != nil {
			return err
		}
		ks = model.KillSwitchState{Engaged: true, Reason: reason, EngagedAt: time.Now().UTC()}
		r.logger.Warn("reconciler.kill_switch_engaged",
			zap.String("reason", reason),
			zap.String("daily_pnl", pnl.Cumulative.String()))
		r.emit(ctx, bus.ChannelKillSwitch, "kill_switch.engaged", model.KillSwitchEvent{
			Engaged:   true,
			Reason:    reason,
			EngagedAt: ks.EngagedAt,
		})
	}
	metrics.SetKillSwitch(ks.Engaged)

	exp, err := r.store.GetExposure(ctx, product)
	if err != nil {
		return err
	}
	open, err := r.store.CountOpenOrders(ctx)
	if err != nil {
		return err
	}

	r.emit(ctx, bus.ChannelExposureUpdate, "exposure.updated", model.ExposureUpdate{
		Product:    product,
		Exposure:   exp.Notional,
		Position:   exp.Position,
		OpenOrders: open,
	})
	r.emit(ctx, bus.ChannelPnLUpdate, "pnl.updated", model.PnLUpdate{
		Day:        pnl.Day,
		DailyPnL:   pnl.Cumulative,
		KillSwitch: ks.Engaged,
	})
	r.store.AuditDailyPnL(ctx, pnl)
	return nil
}

func (r *Reconciler) evaluateThresholds(ctx context.Context, pnl model.DailyPnL) (bool, string) {
	if r.thresholds.DailyMaxLoss.IsPositive() &&
		pnl.Cumulative.LessThanOrEqual(r.thresholds.DailyMaxLoss.Neg()) {
		return true, model.KillReasonDailyLoss
	}

	if r.thresholds.MaxDrawdown.IsPositive() {
		equity, _ := pnl.Cumulative.Float64()
		peak, err := r.store.UpdatePeakEquity(ctx, equity)
		if err != nil {
			r.logger.Warn("reconciler.peak_equity_failed", zap.Error(err))
			return false, ""
		}
		drawdown := decimal.NewFromFloat(peak).Sub(pnl.Cumulative)
		if drawdown.GreaterThan(r.thresholds.MaxDrawdown) {
			return true, model.KillReasonDrawdown
		}
	}
	return false, ""
}

// emit publishes an update event. Publish failures are logged, not returned:
// update events are refreshable views, and failing the surrounding fill would
// re-run a balance effect that already committed.
func (r *Reconciler) emit(ctx context.Context, ch bus.Channel, eventType string, payload any) {
	env, err := model.NewEnvelope(string(ch), eventType, uuid.Nil, payload)
	if err != nil {
		r.logger.Error("reconciler.envelope_failed", zap.Error(err))
		return
	}
	if err := r.pub.Publish(ctx, ch, env); err != nil {
		r.logger.Warn("reconciler.emit_failed",
			zap.String("channel", string(ch)),
			zap.Error(err))
	}
}

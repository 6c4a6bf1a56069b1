package alert

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/bus"
	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/pkg/model"
	"github.com/Checker-Finance/riskgate/pkg/secrets"
)

// Coordinator turns kill-switch and PnL events into operator alerts.
// Identical alert texts inside the dedup TTL are suppressed so a stream of
// tickers crossing the same threshold produces one message, not hundreds.
type Coordinator struct {
	sender       *Sender
	logger       *zap.Logger
	dedup        *secrets.Cache[time.Time]
	pnlThreshold float64
}

// Config configures alerting behavior.
type Config struct {
	DedupTTL time.Duration
	// PnLThreshold triggers an alert when cumulative daily PnL reaches
	// -PnLThreshold. Zero disables PnL alerts.
	PnLThreshold float64
}

func NewCoordinator(sender *Sender, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Coordinator{
		sender:       sender,
		logger:       logger,
		dedup:        secrets.NewCache[time.Time](ttl),
		pnlThreshold: cfg.PnLThreshold,
	}
}

// KillSwitchHandler returns the bus handler for the kill-switch channel.
func (c *Coordinator) KillSwitchHandler() bus.Handler {
	return func(ctx context.Context, env *model.Envelope) error {
		var ev model.KillSwitchEvent
		if err := env.Decode(&ev); err != nil {
			c.logger.Error("alert.kill_switch_decode_failed", zap.Error(err))
			return nil
		}
		text := fmt.Sprintf(":rotating_light: kill switch ENGAGED (%s) at %s",
			ev.Reason, ev.EngagedAt.UTC().Format(time.RFC3339))
		if !ev.Engaged {
			text = ":white_check_mark: kill switch reset, trading resumed"
		}
		c.notify(ctx, env.CorrelationID.String(), text)
		return nil
	}
}

// PnLHandler returns the bus handler for the PnL update channel.
func (c *Coordinator) PnLHandler() bus.Handler {
	return func(ctx context.Context, env *model.Envelope) error {
		var ev model.PnLUpdate
		if err := env.Decode(&ev); err != nil {
			c.logger.Error("alert.pnl_decode_failed", zap.Error(err))
			return nil
		}
		if c.pnlThreshold <= 0 {
			return nil
		}
		pnl, _ := ev.DailyPnL.Float64()
		if pnl > -c.pnlThreshold {
			return nil
		}
		text := fmt.Sprintf(":warning: daily PnL %s breached alert threshold (day %s)",
			ev.DailyPnL.StringFixed(2), ev.Day)
		c.notify(ctx, env.CorrelationID.String(), text)
		return nil
	}
}

// notify sends one alert unless an identical text was sent inside the dedup
// window. Delivery failures are terminal here: alerts are advisory, and
// requeueing them would replay stale state at the operator.
func (c *Coordinator) notify(ctx context.Context, correlationID, text string) {
	if _, seen := c.dedup.Get(text); seen {
		metrics.IncAlert("deduplicated")
		c.logger.Debug("alert.deduplicated", zap.String("text", text))
		return
	}
	c.dedup.Put(text, time.Now())

	if err := c.sender.Send(ctx, correlationID, text); err != nil {
		// Allow an identical follow-up alert to try again.
		c.dedup.Bust(text)
		c.logger.Error("alert.delivery_failed",
			zap.String("correlation_id", correlationID),
			zap.String("text", text),
			zap.Error(err))
	}
}

package gate

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/bus"
	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

// MarkSource supplies the last observed price for a product.
type MarkSource interface {
	LastPrice(product string) (float64, bool)
}

// IntentHandler returns the bus handler for the order-intent channel. Each
// intent is judged against the current shared state; the verdict is recorded
// in logs and metrics. Handler errors are never returned for a rejection:
// a rejected intent is a final answer, not a delivery failure.
func (g *Gate) IntentHandler(marks MarkSource) bus.Handler {
	return func(ctx context.Context, env *model.Envelope) error {
		var intent model.OrderIntent
		if err := env.Decode(&intent); err != nil {
			g.logger.Error("gate.intent_decode_failed",
				zap.String("event_id", env.ID.String()),
				zap.Error(err))
			metrics.IncError("gate", "decode_failed")
			return nil
		}

		mark := decimal.Zero
		if px, ok := marks.LastPrice(intent.Product); ok {
			mark = decimal.NewFromFloat(px)
		}

		g.Decide(ctx, intent, mark)
		return nil
	}
}

package gate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/internal/volatility"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

// Reason is a pre-trade rejection code. Verdicts are values, not errors: a
// rejection is terminal for its intent and never retried.
type Reason string

const (
	ReasonAccept        Reason = "accept"
	ReasonKillSwitch    Reason = "KILL_SWITCH"
	ReasonMarketBlocked Reason = "MARKET_NOT_ALLOWED"
	ReasonNotionalCap   Reason = "NOTIONAL_CAP"
	ReasonRateOrOpen    Reason = "RATE_OR_OPEN_ORDER_LIMIT"
	ReasonPriceBand     Reason = "PRICE_OUT_OF_BAND"
	ReasonStoreDown     Reason = "STORE_UNAVAILABLE"
)

// Verdict is the gate's synchronous answer for one OrderIntent.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

func reject(r Reason, detail string) Verdict {
	return Verdict{Allowed: false, Reason: r, Detail: detail}
}

// StateReader is the slice of the risk store the gate reads.
type StateReader interface {
	GetKillSwitch(ctx context.Context) (model.KillSwitchState, error)
	CountOpenOrders(ctx context.Context) (int64, error)
	CountRecentOrders(ctx context.Context) (int64, error)
	RegisterOpenOrder(ctx context.Context, correlationID string) error
}

// VolSource provides the configured volatility estimate.
type VolSource interface {
	Estimate(product string, m volatility.Model) (float64, bool)
}

// Limits is the configured pre-trade surface. Zero values disable a check,
// except the allow-list: an empty allow-list admits nothing.
type Limits struct {
	AllowedMarkets     map[string]struct{}
	MaxOrderNotional   decimal.Decimal
	MaxOpenOrders      int64
	MaxOrdersPerMinute int64
	VolatilityMult     decimal.Decimal
	VolatilityModel    volatility.Model
}

// NewLimits builds Limits from raw configuration values.
func NewLimits(markets []string, maxNotional float64, maxOpen, maxPerMinute int, volMult float64, volMethod string) Limits {
	allowed := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		allowed[m] = struct{}{}
	}
	return Limits{
		AllowedMarkets:     allowed,
		MaxOrderNotional:   decimal.NewFromFloat(maxNotional),
		MaxOpenOrders:      int64(maxOpen),
		MaxOrdersPerMinute: int64(maxPerMinute),
		VolatilityMult:     decimal.NewFromFloat(volMult),
		VolatilityModel:    volatility.ParseModel(volMethod),
	}
}

// Gate is the pre-trade admission check. It holds no trading state of its own:
// everything mutable is read from the shared store, so replicas running the
// same Gate are interchangeable.
type Gate struct {
	limits Limits
	store  StateReader
	vol    VolSource
	logger *zap.Logger
}

func New(limits Limits, store StateReader, vol VolSource, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{limits: limits, store: store, vol: vol, logger: logger}
}

// Decide evaluates the checks in strict order; the first failure wins so every
// rejection carries one unambiguous reason. Any store error fails closed with
// STORE_UNAVAILABLE: orders are never approved against stale or default state.
// On accept, the intent is registered in the shared open-order and rate
// counters before the verdict is returned.
func (g *Gate) Decide(ctx context.Context, intent model.OrderIntent, mark decimal.Decimal) Verdict {
	start := time.Now()
	v := g.decide(ctx, intent, mark)
	metrics.ObserveDuration(metrics.GateDecisionDuration, start, intent.Product)
	metrics.IncGateDecision(intent.Product, string(v.Reason))

	if !v.Allowed {
		g.logger.Info("gate.rejected",
			zap.String("correlation_id", intent.CorrelationID.String()),
			zap.String("product", intent.Product),
			zap.String("reason", string(v.Reason)),
			zap.String("detail", v.Detail))
	} else {
		g.logger.Debug("gate.accepted",
			zap.String("correlation_id", intent.CorrelationID.String()),
			zap.String("product", intent.Product))
	}
	return v
}

func (g *Gate) decide(ctx context.Context, intent model.OrderIntent, mark decimal.Decimal) Verdict {
	// 1. kill switch
	ks, err := g.store.GetKillSwitch(ctx)
	if err != nil {
		return reject(ReasonStoreDown, err.Error())
	}
	if ks.Engaged {
		return reject(ReasonKillSwitch, ks.Reason)
	}

	// 2. market allow-list
	if _, ok := g.limits.AllowedMarkets[intent.Product]; !ok {
		return reject(ReasonMarketBlocked, intent.Product)
	}

	// 3. per-order notional cap
	if g.limits.MaxOrderNotional.IsPositive() {
		notional := intent.Notional(mark)
		if notional.GreaterThan(g.limits.MaxOrderNotional) {
			return reject(ReasonNotionalCap, notional.String())
		}
	}

	// 4. open-order count and trailing-minute submission rate, shared across
	// replicas via the store
	if g.limits.MaxOpenOrders > 0 {
		open, err := g.store.CountOpenOrders(ctx)
		if err != nil {
			return reject(ReasonStoreDown, err.Error())
		}
		if open >= g.limits.MaxOpenOrders {
			return reject(ReasonRateOrOpen, "open order limit")
		}
	}
	if g.limits.MaxOrdersPerMinute > 0 {
		recent, err := g.store.CountRecentOrders(ctx)
		if err != nil {
			return reject(ReasonStoreDown, err.Error())
		}
		if recent >= g.limits.MaxOrdersPerMinute {
			return reject(ReasonRateOrOpen, "order rate limit")
		}
	}

	// 5. volatility price band. An Undetermined estimate skips the check:
	// warm-up means the widest allowed band, never a zero-width one.
	if intent.LimitPrice != nil && g.limits.VolatilityMult.IsPositive() && mark.IsPositive() {
		if sigma, determined := g.vol.Estimate(intent.Product, g.limits.VolatilityModel); determined {
			band := g.limits.VolatilityMult.Mul(decimal.NewFromFloat(sigma))
			lower := mark.Mul(decimal.NewFromInt(1).Sub(band))
			upper := mark.Mul(decimal.NewFromInt(1).Add(band))
			price := *intent.LimitPrice
			if price.LessThan(lower) || price.GreaterThan(upper) {
				return reject(ReasonPriceBand, price.String())
			}
		}
	}

	// 6. accept: claim an open-order slot and a rate-window entry before the
	// verdict leaves this replica
	if err := g.store.RegisterOpenOrder(ctx, intent.CorrelationID.String()); err != nil {
		return reject(ReasonStoreDown, err.Error())
	}
	return Verdict{Allowed: true, Reason: ReasonAccept}
}

package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Envelope is the canonical event envelope.
// All messages published to or consumed from the bus follow this format.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Channel       string          `json:"channel"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a versioned envelope for the given channel.
func NewEnvelope(channel, eventType string, correlationID uuid.UUID, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	return &Envelope{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		Channel:       channel,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}

// Decode unmarshals the envelope payload into dest.
func (e *Envelope) Decode(dest any) error {
	return json.Unmarshal(e.Payload, dest)
}

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Product is an immutable tradeable instrument definition.
type Product struct {
	Symbol  string `json:"symbol"`
	Allowed bool   `json:"allowed"`
}

// Ticker is a normalized market-data tick.
type Ticker struct {
	Product   string          `json:"product"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderIntent is a request to trade, produced by strategy logic and judged by the gate.
// Immutable after creation.
type OrderIntent struct {
	CorrelationID uuid.UUID        `json:"correlation_id"`
	Product       string           `json:"product"`
	Side          Side             `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	RequestedAt   time.Time        `json:"requested_at"`
}

// Notional returns size * price for the intent, using the limit price when present
// and falling back to mark.
func (o OrderIntent) Notional(mark decimal.Decimal) decimal.Decimal {
	price := mark
	if o.LimitPrice != nil {
		price = *o.LimitPrice
	}
	return o.Size.Mul(price).Abs()
}

// Fill confirms that an order (or part of one) executed.
// FillID is the deduplication key: a fill may arrive more than once and must be
// applied at most once. OrderID names the originating order so the open order
// slot is released once per order, not once per partial fill; it may be empty
// for fills with no tracked order.
type Fill struct {
	FillID    string          `json:"fill_id"`
	OrderID   string          `json:"order_id,omitempty"`
	Product   string          `json:"product"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional returns the absolute cash value of the fill.
func (f Fill) Notional() decimal.Decimal {
	return f.Size.Mul(f.Price).Abs()
}

// ExposureRecord is the store-owned net position in one product.
type ExposureRecord struct {
	Product  string          `json:"product"`
	Position decimal.Decimal `json:"position"`
	Notional decimal.Decimal `json:"notional"`
}

// DailyPnL is the store-owned profit and loss for one trading day.
type DailyPnL struct {
	Day        string          `json:"day"`
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// Kill-switch reasons.
const (
	KillReasonDailyLoss = "DAILY_LOSS"
	KillReasonDrawdown  = "DRAWDOWN"
	KillReasonManual    = "MANUAL"
)

// KillSwitchState is the single logical halt flag observed by every replica.
type KillSwitchState struct {
	Engaged   bool      `json:"engaged"`
	Reason    string    `json:"reason,omitempty"`
	EngagedAt time.Time `json:"engaged_at,omitempty"`
}

// ExposureUpdate is emitted after every successful exposure mutation.
type ExposureUpdate struct {
	Product    string          `json:"product"`
	Exposure   decimal.Decimal `json:"exposure"`
	Position   decimal.Decimal `json:"position"`
	OpenOrders int64           `json:"open_orders"`
}

// PnLUpdate is emitted after every successful PnL mutation.
type PnLUpdate struct {
	Day        string          `json:"day"`
	DailyPnL   decimal.Decimal `json:"daily_pnl"`
	KillSwitch bool            `json:"kill_switch"`
}

// KillSwitchEvent is emitted when the kill switch changes state.
type KillSwitchEvent struct {
	Engaged   bool      `json:"engaged"`
	Reason    string    `json:"reason"`
	EngagedAt time.Time `json:"engaged_at"`
}

// VolatilityEstimate is the estimator-owned current sigma for one (product, model) pair.
type VolatilityEstimate struct {
	Product   string    `json:"product"`
	Model     string    `json:"model"`
	Sigma     float64   `json:"sigma"`
	UpdatedAt time.Time `json:"updated_at"`
	Samples   int       `json:"samples"`
}

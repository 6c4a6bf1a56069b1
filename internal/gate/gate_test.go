package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/volatility"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

type fakeState struct {
	killSwitch    model.KillSwitchState
	killSwitchErr error
	open          int64
	openErr       error
	recent        int64
	recentErr     error
	registerErr   error
	registered    []string
}

func (f *fakeState) GetKillSwitch(context.Context) (model.KillSwitchState, error) {
	return f.killSwitch, f.killSwitchErr
}

func (f *fakeState) CountOpenOrders(context.Context) (int64, error) {
	return f.open, f.openErr
}

func (f *fakeState) CountRecentOrders(context.Context) (int64, error) {
	return f.recent, f.recentErr
}

func (f *fakeState) RegisterOpenOrder(_ context.Context, correlationID string) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, correlationID)
	return nil
}

type fakeVol struct {
	sigma      float64
	determined bool
}

func (f *fakeVol) Estimate(string, volatility.Model) (float64, bool) {
	return f.sigma, f.determined
}

func limitPrice(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func testIntent(product string) model.OrderIntent {
	return model.OrderIntent{
		CorrelationID: uuid.New(),
		Product:       product,
		Side:          model.SideBuy,
		Size:          decimal.NewFromInt(10),
		RequestedAt:   time.Now().UTC(),
	}
}

func testLimits() Limits {
	return NewLimits([]string{"BTC-USD", "ETH-USD"}, 1_000_000, 10, 60, 0, "std")
}

func TestDecideAcceptRegistersOrder(t *testing.T) {
	state := &fakeState{}
	g := New(testLimits(), state, &fakeVol{}, zap.NewNop())

	intent := testIntent("BTC-USD")
	v := g.Decide(context.Background(), intent, decimal.NewFromInt(100))

	assert.True(t, v.Allowed)
	assert.Equal(t, ReasonAccept, v.Reason)
	require.Len(t, state.registered, 1)
	assert.Equal(t, intent.CorrelationID.String(), state.registered[0])
}

func TestDecideKillSwitchWinsOverEverything(t *testing.T) {
	state := &fakeState{
		killSwitch: model.KillSwitchState{Engaged: true, Reason: model.KillReasonDailyLoss},
		open:       999,
	}
	g := New(testLimits(), state, &fakeVol{}, zap.NewNop())

	// Even a blocked market reports the kill switch first.
	v := g.Decide(context.Background(), testIntent("NO-SUCH"), decimal.NewFromInt(100))

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonKillSwitch, v.Reason)
	assert.Equal(t, model.KillReasonDailyLoss, v.Detail)
	assert.Empty(t, state.registered)
}

func TestDecideMarketNotAllowed(t *testing.T) {
	state := &fakeState{}
	g := New(testLimits(), state, &fakeVol{}, zap.NewNop())

	v := g.Decide(context.Background(), testIntent("DOGE-USD"), decimal.NewFromInt(100))

	assert.Equal(t, ReasonMarketBlocked, v.Reason)
	assert.Empty(t, state.registered)
}

func TestDecideEmptyAllowListAdmitsNothing(t *testing.T) {
	limits := NewLimits(nil, 0, 0, 0, 0, "std")
	g := New(limits, &fakeState{}, &fakeVol{}, zap.NewNop())

	v := g.Decide(context.Background(), testIntent("BTC-USD"), decimal.NewFromInt(100))
	assert.Equal(t, ReasonMarketBlocked, v.Reason)
}

func TestDecideNotionalCap(t *testing.T) {
	limits := NewLimits([]string{"BTC-USD"}, 1000, 0, 0, 0, "std")
	g := New(limits, &fakeState{}, &fakeVol{}, zap.NewNop())

	intent := testIntent("BTC-USD")
	intent.LimitPrice = limitPrice(150) // 10 * 150 = 1500 > 1000

	v := g.Decide(context.Background(), intent, decimal.Zero)
	assert.Equal(t, ReasonNotionalCap, v.Reason)

	intent.LimitPrice = limitPrice(99) // 990 <= 1000
	v = g.Decide(context.Background(), intent, decimal.Zero)
	assert.True(t, v.Allowed)
}

func TestDecideOpenOrderLimit(t *testing.T) {
	state := &fakeState{open: 10}
	g := New(testLimits(), state, &fakeVol{}, zap.NewNop())

	v := g.Decide(context.Background(), testIntent("BTC-USD"), decimal.NewFromInt(100))
	assert.Equal(t, ReasonRateOrOpen, v.Reason)
	assert.Empty(t, state.registered)
}

func TestDecideOrderRateLimit(t *testing.T) {
	state := &fakeState{recent: 60}
	g := New(testLimits(), state, &fakeVol{}, zap.NewNop())

	v := g.Decide(context.Background(), testIntent("BTC-USD"), decimal.NewFromInt(100))
	assert.Equal(t, ReasonRateOrOpen, v.Reason)
}

func TestDecidePriceBand(t *testing.T) {
	limits := NewLimits([]string{"BTC-USD"}, 0, 0, 0, 2, "std")
	vol := &fakeVol{sigma: 0.01, determined: true} // band = 2 * 0.01 = 2%
	g := New(limits, &fakeState{}, vol, zap.NewNop())
	mark := decimal.NewFromInt(100)

	intent := testIntent("BTC-USD")
	intent.LimitPrice = limitPrice(103)
	v := g.Decide(context.Background(), intent, mark)
	assert.Equal(t, ReasonPriceBand, v.Reason)

	intent.LimitPrice = limitPrice(97.5)
	v = g.Decide(context.Background(), intent, mark)
	assert.Equal(t, ReasonPriceBand, v.Reason)

	intent.LimitPrice = limitPrice(101)
	v = g.Decide(context.Background(), intent, mark)
	assert.True(t, v.Allowed)
}

func TestDecideUndeterminedVolatilitySkipsBand(t *testing.T) {
	limits := NewLimits([]string{"BTC-USD"}, 0, 0, 0, 2, "std")
	g := New(limits, &fakeState{}, &fakeVol{determined: false}, zap.NewNop())

	intent := testIntent("BTC-USD")
	intent.LimitPrice = limitPrice(500) // far from mark, but no estimate yet
	v := g.Decide(context.Background(), intent, decimal.NewFromInt(100))
	assert.True(t, v.Allowed, "warm-up must widen the band, not reject")
}

func TestDecideFailsClosedOnStoreErrors(t *testing.T) {
	down := errors.New("connection refused")

	for name, state := range map[string]*fakeState{
		"kill switch read": {killSwitchErr: down},
		"open order count": {openErr: down},
		"recent count":     {recentErr: down},
		"registration":     {registerErr: down},
	} {
		g := New(testLimits(), state, &fakeVol{}, zap.NewNop())
		v := g.Decide(context.Background(), testIntent("BTC-USD"), decimal.NewFromInt(100))
		assert.Equal(t, ReasonStoreDown, v.Reason, name)
		assert.False(t, v.Allowed, name)
	}
}

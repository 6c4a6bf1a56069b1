package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/bus"
	"github.com/Checker-Finance/riskgate/internal/store"
	"github.com/Checker-Finance/riskgate/internal/volatility"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

type capturePublisher struct {
	mu     sync.Mutex
	events map[bus.Channel][]*model.Envelope
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{events: make(map[bus.Channel][]*model.Envelope)}
}

func (p *capturePublisher) Publish(_ context.Context, ch bus.Channel, env *model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[ch] = append(p.events[ch], env)
	return nil
}

func (p *capturePublisher) count(ch bus.Channel) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[ch])
}

func (p *capturePublisher) last(t *testing.T, ch bus.Channel, dest any) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.events[ch]
	require.NotEmpty(t, events, "no events on channel %s", ch)
	require.NoError(t, events[len(events)-1].Decode(dest))
}

func newTestReconciler(t *testing.T, thresholds Thresholds) (*Reconciler, *store.RiskStore, *capturePublisher) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(store.Config{RedisAddr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pub := newCapturePublisher()
	vol := volatility.New(volatility.Config{Window: 8}, zap.NewNop())
	return New(st, pub, vol, thresholds, zap.NewNop()), st, pub
}

func fill(id, product string, side model.Side, size, price float64) model.Fill {
	return model.Fill{
		FillID:    id,
		Product:   product,
		Side:      side,
		Size:      decimal.NewFromFloat(size),
		Price:     decimal.NewFromFloat(price),
		Timestamp: time.Now().UTC(),
	}
}

func TestHandleFillUpdatesExposure(t *testing.T) {
	ctx := context.Background()
	rec, st, pub := newTestReconciler(t, Thresholds{})

	require.NoError(t, rec.HandleFill(ctx, fill("f1", "BTC-USD", model.SideBuy, 2, 100)))

	exp, err := st.GetExposure(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.True(t, exp.Position.Equal(decimal.NewFromInt(2)), "position %s", exp.Position)
	assert.True(t, exp.Notional.Equal(decimal.NewFromInt(200)), "notional %s", exp.Notional)

	assert.Equal(t, 1, pub.count(bus.ChannelExposureUpdate))
	assert.Equal(t, 1, pub.count(bus.ChannelPnLUpdate))

	var upd model.ExposureUpdate
	pub.last(t, bus.ChannelExposureUpdate, &upd)
	assert.Equal(t, "BTC-USD", upd.Product)
	assert.True(t, upd.Position.Equal(decimal.NewFromInt(2)))
}

func TestHandleFillDuplicateIsSilent(t *testing.T) {
	ctx := context.Background()
	rec, st, pub := newTestReconciler(t, Thresholds{})

	f := fill("f1", "BTC-USD", model.SideBuy, 1, 100)
	require.NoError(t, rec.HandleFill(ctx, f))
	require.NoError(t, rec.HandleFill(ctx, f))

	exp, err := st.GetExposure(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.True(t, exp.Position.Equal(decimal.NewFromInt(1)), "duplicate must not double-count")

	assert.Equal(t, 1, pub.count(bus.ChannelExposureUpdate), "duplicate must not re-emit")
	assert.Equal(t, 1, pub.count(bus.ChannelPnLUpdate))
}

func TestHandleFillRealizesLossAndEngagesKillSwitch(t *testing.T) {
	ctx := context.Background()
	rec, st, pub := newTestReconciler(t, Thresholds{
		DailyMaxLoss: decimal.NewFromInt(5000),
	})

	require.NoError(t, rec.HandleFill(ctx, fill("buy", "BTC-USD", model.SideBuy, 1, 50000)))

	ks, err := st.GetKillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, ks.Engaged)

	// Selling at 44000 realizes -6000, crossing the -5000 limit.
	require.NoError(t, rec.HandleFill(ctx, fill("sell", "BTC-USD", model.SideSell, 1, 44000)))

	ks, err = st.GetKillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, ks.Engaged)
	assert.Equal(t, model.KillReasonDailyLoss, ks.Reason)

	require.Equal(t, 1, pub.count(bus.ChannelKillSwitch))
	var ev model.KillSwitchEvent
	pub.last(t, bus.ChannelKillSwitch, &ev)
	assert.True(t, ev.Engaged)
	assert.Equal(t, model.KillReasonDailyLoss, ev.Reason)

	pnl, err := st.GetDailyPnL(ctx)
	require.NoError(t, err)
	assert.True(t, pnl.Cumulative.Equal(decimal.NewFromInt(-6000)), "cumulative %s", pnl.Cumulative)
}

func TestHandleFillDoesNotReEngage(t *testing.T) {
	ctx := context.Background()
	rec, _, pub := newTestReconciler(t, Thresholds{
		DailyMaxLoss: decimal.NewFromInt(100),
	})

	require.NoError(t, rec.HandleFill(ctx, fill("buy", "BTC-USD", model.SideBuy, 1, 1000)))
	require.NoError(t, rec.HandleFill(ctx, fill("sell1", "BTC-USD", model.SideSell, 0.5, 500)))
	require.NoError(t, rec.HandleFill(ctx, fill("sell2", "BTC-USD", model.SideSell, 0.5, 500)))

	assert.Equal(t, 1, pub.count(bus.ChannelKillSwitch), "engagement event fires once")
}

func TestHandleTickerMarksOpenPosition(t *testing.T) {
	ctx := context.Background()
	rec, st, pub := newTestReconciler(t, Thresholds{})

	require.NoError(t, rec.HandleFill(ctx, fill("buy", "ETH-USD", model.SideBuy, 2, 100)))

	require.NoError(t, rec.HandleTicker(ctx, model.Ticker{
		Product:   "ETH-USD",
		Price:     decimal.NewFromInt(110),
		Timestamp: time.Now().UTC(),
	}))

	pnl, err := st.GetDailyPnL(ctx)
	require.NoError(t, err)
	assert.True(t, pnl.Unrealized.Equal(decimal.NewFromInt(20)), "unrealized %s", pnl.Unrealized)

	assert.GreaterOrEqual(t, pub.count(bus.ChannelPnLUpdate), 2)
}

func TestHandleTickerWithoutPositionEmitsNothing(t *testing.T) {
	ctx := context.Background()
	rec, _, pub := newTestReconciler(t, Thresholds{})

	require.NoError(t, rec.HandleTicker(ctx, model.Ticker{
		Product:   "SOL-USD",
		Price:     decimal.NewFromInt(50),
		Timestamp: time.Now().UTC(),
	}))

	assert.Equal(t, 0, pub.count(bus.ChannelPnLUpdate))
}

func TestFillEffect(t *testing.T) {
	d := decimal.NewFromFloat

	t.Run("opening buy extends basis at fill price", func(t *testing.T) {
		deltaBasis, realized := fillEffect(d(0), d(0), d(2), d(100))
		assert.True(t, deltaBasis.Equal(d(200)))
		assert.True(t, realized.IsZero())
	})

	t.Run("adding to a long averages in", func(t *testing.T) {
		deltaBasis, realized := fillEffect(d(2), d(200), d(1), d(130))
		assert.True(t, deltaBasis.Equal(d(130)))
		assert.True(t, realized.IsZero())
	})

	t.Run("partial close realizes against average cost", func(t *testing.T) {
		// long 3 @ avg 110, sell 1 @ 130: realize +20, remove 110 of basis
		deltaBasis, realized := fillEffect(d(3), d(330), d(-1), d(130))
		assert.True(t, deltaBasis.Equal(d(-110)), "deltaBasis %s", deltaBasis)
		assert.True(t, realized.Equal(d(20)), "realized %s", realized)
	})

	t.Run("flip closes fully and reopens remainder", func(t *testing.T) {
		// long 1 @ 100, sell 3 @ 90: realize -10, new short 2 @ 90
		deltaBasis, realized := fillEffect(d(1), d(100), d(-3), d(90))
		assert.True(t, realized.Equal(d(-10)), "realized %s", realized)
		// basis goes from 100 to -180: delta -280
		assert.True(t, deltaBasis.Equal(d(-280)), "deltaBasis %s", deltaBasis)
	})

	t.Run("short cover realizes inverse", func(t *testing.T) {
		// short 2 @ avg 50, buy 1 @ 40: realize +10
		deltaBasis, realized := fillEffect(d(-2), d(-100), d(1), d(40))
		assert.True(t, realized.Equal(d(10)), "realized %s", realized)
		assert.True(t, deltaBasis.Equal(d(50)), "deltaBasis %s", deltaBasis)
	})
}

func TestPartialFillsReleaseOrderOnce(t *testing.T) {
	ctx := context.Background()
	rec, st, _ := newTestReconciler(t, Thresholds{})

	require.NoError(t, st.RegisterOpenOrder(ctx, "ord-1"))
	require.NoError(t, st.RegisterOpenOrder(ctx, "ord-2"))

	// Two partial fills of ord-1 must free its slot exactly once; ord-2's
	// slot stays claimed.
	f1 := fill("f1", "BTC-USD", model.SideBuy, 1, 100)
	f1.OrderID = "ord-1"
	f2 := fill("f2", "BTC-USD", model.SideBuy, 1, 101)
	f2.OrderID = "ord-1"

	require.NoError(t, rec.HandleFill(ctx, f1))
	open, err := st.CountOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)

	require.NoError(t, rec.HandleFill(ctx, f2))
	open, err = st.CountOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), open, "second partial fill must not free another slot")
}

func TestFillWithoutOrderLeavesSlotsAlone(t *testing.T) {
	ctx := context.Background()
	rec, st, _ := newTestReconciler(t, Thresholds{})

	require.NoError(t, st.RegisterOpenOrder(ctx, "ord-1"))
	require.NoError(t, rec.HandleFill(ctx, fill("f1", "BTC-USD", model.SideBuy, 1, 100)))

	open, err := st.CountOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)
}

func TestHandleFillStoreOutageReturnsError(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	st, err := store.New(store.Config{RedisAddr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pub := newCapturePublisher()
	vol := volatility.New(volatility.Config{Window: 8}, zap.NewNop())
	rec := New(st, pub, vol, Thresholds{}, zap.NewNop())
	rec.retryMax = 1

	mr.Close()

	err = rec.HandleFill(ctx, fill("f1", "BTC-USD", model.SideBuy, 1, 100))
	require.Error(t, err, "outage must surface so the bus redelivers")
	assert.Equal(t, 0, pub.count(bus.ChannelExposureUpdate))
}

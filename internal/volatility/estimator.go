package volatility

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/pkg/model"
)

// Model selects a volatility estimator.
type Model string

const (
	ModelSTD   Model = "std"
	ModelEWMA  Model = "ewma"
	ModelATR   Model = "atr"
	ModelGARCH Model = "garch"
)

// ParseModel maps a configuration string onto a Model, defaulting to std.
func ParseModel(s string) Model {
	switch Model(s) {
	case ModelEWMA, ModelATR, ModelGARCH:
		return Model(s)
	default:
		return ModelSTD
	}
}

// Config tunes the per-product estimators.
type Config struct {
	// Window is the number of price samples backing the std estimator (and
	// the refit series for GARCH); the ring holds Window-1 returns. Values
	// below 3 disable std.
	Window int
	// Alpha is the EWMA smoothing factor in (0,1).
	Alpha float64
	// ATRWindow is the number of price samples backing the ATR estimator;
	// the ring holds ATRWindow-1 absolute returns.
	ATRWindow int
	// GarchRefitEvery is how many observations pass between GARCH refits.
	GarchRefitEvery int
}

// productState holds everything the estimator tracks for one product.
// Owned exclusively by the Estimator; nothing else mutates it.
type productState struct {
	lastPrice float64
	lastTS    time.Time

	returns []float64 // ring of the last Window-1 returns
	head    int
	count   int // total returns observed, monotone

	ewmaVar     float64
	ewmaSeeded  bool
	ewmaSamples int

	atr      []float64 // ring of the last ATRWindow-1 absolute returns
	atrHead  int
	atrCount int

	garch         garchParams
	garchVar      float64 // conditional variance state
	sinceRefit    int
	refitSeries   []float64 // unwound copy reused between refits
	instabilityUp bool      // true while the last update was quarantined

	updatedAt time.Time
}

// Estimator maintains rolling volatility models per traded product.
// Observe and Estimate are safe for concurrent use.
type Estimator struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger
	state  map[string]*productState
}

// New creates an Estimator.
func New(cfg Config, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GarchRefitEvery <= 0 {
		cfg.GarchRefitEvery = 32
	}
	return &Estimator{
		cfg:    cfg,
		logger: logger,
		state:  make(map[string]*productState),
	}
}

// Observe appends a price observation and updates every model for the product.
// Observations whose timestamp does not advance past the latest seen one are
// dropped so a late tick can never overwrite a newer estimate.
func (e *Estimator) Observe(product string, price float64, ts time.Time) {
	if price <= 0 || !isFinite(price) {
		e.logger.Warn("volatility.observe_rejected",
			zap.String("product", product),
			zap.Float64("price", price))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.state[product]
	if !ok {
		st = &productState{}
		if e.cfg.Window > 2 {
			st.returns = make([]float64, e.cfg.Window-1)
		}
		if e.cfg.ATRWindow > 1 {
			st.atr = make([]float64, e.cfg.ATRWindow-1)
		}
		e.state[product] = st
	}

	if !st.lastTS.IsZero() && !ts.After(st.lastTS) {
		e.logger.Debug("volatility.stale_tick_dropped",
			zap.String("product", product),
			zap.Time("ts", ts),
			zap.Time("latest", st.lastTS))
		return
	}

	if st.lastPrice > 0 {
		ret := (price - st.lastPrice) / st.lastPrice
		if !isFinite(ret) {
			// Quarantine the sample; every model keeps its previous state.
			if !st.instabilityUp {
				e.logger.Warn("volatility.numeric_instability",
					zap.String("product", product),
					zap.Float64("price", price),
					zap.Float64("last_price", st.lastPrice))
			}
			st.instabilityUp = true
			st.lastPrice = price
			st.lastTS = ts
			return
		}
		st.instabilityUp = false
		e.applyReturn(product, st, ret)
		st.updatedAt = ts
	}

	st.lastPrice = price
	st.lastTS = ts
}

func (e *Estimator) applyReturn(product string, st *productState, ret float64) {
	// std window
	if len(st.returns) > 0 {
		st.returns[st.head] = ret
		st.head = (st.head + 1) % len(st.returns)
	}
	st.count++

	// ewma: sigma² = alpha*r² + (1-alpha)*sigma², seeded from the first return
	if e.cfg.Alpha > 0 && e.cfg.Alpha < 1 {
		next := st.ewmaVar
		if !st.ewmaSeeded {
			next = ret * ret
			st.ewmaSeeded = true
		} else {
			next = e.cfg.Alpha*ret*ret + (1-e.cfg.Alpha)*next
		}
		if isFinite(next) {
			st.ewmaVar = next
			st.ewmaSamples++
		} else {
			e.logger.Warn("volatility.ewma_instability", zap.String("product", product))
		}
	}

	// atr ring of absolute returns
	if len(st.atr) > 0 {
		st.atr[st.atrHead] = math.Abs(ret)
		st.atrHead = (st.atrHead + 1) % len(st.atr)
		st.atrCount++
	}

	// garch: advance the conditional variance each step, refit periodically
	if st.garch.valid {
		next := st.garch.forecast(ret, st.garchVar)
		if isFinite(next) && next > 0 {
			st.garchVar = next
		} else {
			e.logger.Warn("volatility.garch_instability",
				zap.String("product", product),
				zap.Float64("variance", next))
		}
	}
	st.sinceRefit++
	if st.sinceRefit >= e.cfg.GarchRefitEvery && st.count >= minGarchSamples {
		e.refitGarch(product, st)
		st.sinceRefit = 0
	}
}

// minGarchSamples is the shortest return series worth fitting moments on.
const minGarchSamples = 16

func (e *Estimator) refitGarch(product string, st *productState) {
	series := st.windowReturns()
	if len(series) < 2 {
		return
	}
	fitted, err := fitGarch(series)
	if err != nil {
		// Keep the previous valid parameter set rather than propagating an
		// unstable estimate.
		e.logger.Warn("volatility.garch_refit_failed",
			zap.String("product", product),
			zap.Error(err))
		return
	}
	st.garch = fitted
	if st.garchVar <= 0 || !isFinite(st.garchVar) {
		st.garchVar = fitted.longRunVariance()
	}
}

// windowReturns unwinds the std ring into chronological order.
func (st *productState) windowReturns() []float64 {
	n := len(st.returns)
	if n == 0 {
		return nil
	}
	if st.count < n {
		return append([]float64(nil), st.returns[:st.count]...)
	}
	out := st.refitSeries
	if cap(out) < n {
		out = make([]float64, n)
	}
	out = out[:n]
	for i := 0; i < n; i++ {
		out[i] = st.returns[(st.head+i)%n]
	}
	st.refitSeries = out
	return out
}

// Estimate returns the current sigma for (product, model).
// ok=false means Undetermined: the model is still warming up or has never
// produced a finite value. Callers must treat Undetermined as the widest
// allowed band, never as zero volatility.
func (e *Estimator) Estimate(product string, m Model) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.state[product]
	if !ok {
		return 0, false
	}

	switch m {
	case ModelEWMA:
		if !st.ewmaSeeded || st.ewmaVar <= 0 {
			return 0, false
		}
		return math.Sqrt(st.ewmaVar), true

	case ModelATR:
		n := len(st.atr)
		if n == 0 || st.atrCount < n {
			return 0, false
		}
		var sum float64
		for _, v := range st.atr {
			sum += v
		}
		return sum / float64(n), true

	case ModelGARCH:
		// garchVar already holds the one-step-ahead forecast; Observe advances
		// it as sigma²_{t+1} = omega + alpha*r_t² + beta*sigma²_t.
		if !st.garch.valid || st.garchVar <= 0 || !isFinite(st.garchVar) {
			return 0, false
		}
		return math.Sqrt(st.garchVar), true

	default: // std
		n := len(st.returns)
		if n < 2 || st.count < n {
			return 0, false
		}
		var sum float64
		for _, r := range st.returns {
			sum += r
		}
		mean := sum / float64(n)
		var varSum float64
		for _, r := range st.returns {
			d := r - mean
			varSum += d * d
		}
		sigma := math.Sqrt(varSum / float64(n-1))
		if !isFinite(sigma) {
			return 0, false
		}
		return sigma, true
	}
}

// LastPrice returns the most recent accepted price for product. ok=false
// means no tick has been observed yet.
func (e *Estimator) LastPrice(product string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.state[product]
	if !ok || st.lastPrice <= 0 {
		return 0, false
	}
	return st.lastPrice, true
}

// Snapshot reports the current estimate for every model of one product,
// for the read-only API surface.
func (e *Estimator) Snapshot(product string) []model.VolatilityEstimate {
	models := []Model{ModelSTD, ModelEWMA, ModelATR, ModelGARCH}
	out := make([]model.VolatilityEstimate, 0, len(models))

	e.mu.RLock()
	st, ok := e.state[product]
	var updatedAt time.Time
	var samples int
	if ok {
		updatedAt = st.updatedAt
		samples = st.count
	}
	e.mu.RUnlock()

	for _, m := range models {
		sigma, determined := e.Estimate(product, m)
		if !determined {
			continue
		}
		out = append(out, model.VolatilityEstimate{
			Product:   product,
			Model:     string(m),
			Sigma:     sigma,
			UpdatedAt: updatedAt,
			Samples:   samples,
		})
	}
	return out
}

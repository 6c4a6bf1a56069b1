package volatility

import (
	"errors"
	"math"
)

// garchParams holds a fitted GARCH(1,1) parameter set.
// A set is only stored once it passes the stationarity clamps, so the zero
// value (valid=false) means "no usable fit yet".
type garchParams struct {
	omega float64
	alpha float64
	beta  float64
	valid bool
}

var errShortSeries = errors.New("return series too short to fit")

// fitGarch estimates GARCH(1,1) parameters from a return series using a
// method-of-moments heuristic:
//
//  1. sample variance of the returns,
//  2. lag-1 autocorrelation of squared returns mapped into alpha ∈ [0.01, 0.2],
//  3. beta = max(0.75, 0.95-alpha),
//  4. omega chosen so the unconditional variance matches the sample variance.
//
// Parameters are clamped to omega > 0, alpha >= 0, beta >= 0, alpha+beta <= 0.999
// before being returned. Callers keep their previous valid set when fitting fails.
func fitGarch(returns []float64) (garchParams, error) {
	n := len(returns)
	if n < 2 {
		return garchParams{}, errShortSeries
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var varSum float64
	for _, r := range returns {
		d := r - mean
		varSum += d * d
	}
	variance := varSum / float64(n-1)
	if variance <= 0 || !isFinite(variance) {
		return garchParams{}, errors.New("degenerate return variance")
	}

	// Lag-1 autocorrelation of squared returns drives the ARCH term.
	sq := make([]float64, n)
	var sqSum float64
	for i, r := range returns {
		sq[i] = r * r
		sqSum += sq[i]
	}
	sqMean := sqSum / float64(n)

	var num, den float64
	for t := 1; t < n; t++ {
		num += (sq[t] - sqMean) * (sq[t-1] - sqMean)
	}
	for t := 0; t < n; t++ {
		d := sq[t] - sqMean
		den += d * d
	}
	var rho float64
	if den != 0 {
		rho = num / den
	}

	alpha := math.Abs(rho)
	if alpha < 0.01 {
		alpha = 0.01
	} else if alpha > 0.2 {
		alpha = 0.2
	}
	beta := 0.95 - alpha
	if beta < 0.75 {
		beta = 0.75
	}

	p := clampGarch(garchParams{
		omega: variance * (1 - alpha - beta),
		alpha: alpha,
		beta:  beta,
	})
	if !p.valid {
		return garchParams{}, errors.New("fit violated stationarity clamps")
	}
	return p, nil
}

// clampGarch enforces omega > 0, alpha >= 0, beta >= 0, alpha+beta <= 0.999.
// Excess persistence is absorbed by beta. A set that cannot be repaired to a
// finite, stationary one comes back with valid=false.
func clampGarch(p garchParams) garchParams {
	if p.alpha < 0 {
		p.alpha = 0
	}
	if p.beta < 0 {
		p.beta = 0
	}
	if p.alpha+p.beta > 0.999 {
		p.beta = 0.999 - p.alpha
		if p.beta < 0 {
			p.beta = 0
			if p.alpha > 0.999 {
				p.alpha = 0.999
			}
		}
	}
	if !isFinite(p.omega) || !isFinite(p.alpha) || !isFinite(p.beta) || p.omega <= 0 {
		p.valid = false
		return p
	}
	p.valid = true
	return p
}

// longRunVariance returns omega / (1 - alpha - beta), the unconditional variance.
func (p garchParams) longRunVariance() float64 {
	persistence := 1 - p.alpha - p.beta
	if persistence <= 0 {
		return p.omega
	}
	return p.omega / persistence
}

// forecast returns the one-step-ahead conditional variance
// sigma²_{t+1} = omega + alpha*r² + beta*sigma²_t.
func (p garchParams) forecast(lastReturn, prevVariance float64) float64 {
	return p.omega + p.alpha*lastReturn*lastReturn + p.beta*prevVariance
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

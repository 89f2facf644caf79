package vol

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrCoefficients        = errors.New("coefficients violate positivity/stationarity")
	ErrHistoryLength       = errors.New("max history length must be > 0")
	ErrCalibrationRejected = errors.New("calibration rejected, previous coefficients retained")
	ErrNotEnoughHistory    = errors.New("not enough return history")
)

// TradingDays is the annualization base for daily returns.
const TradingDays = 252.0

// Coefficients hold one GARCH(1,1) parameter set.
type Coefficients struct {
	Omega float64
	Alpha float64
	Beta  float64
}

// Valid reports whether the set satisfies positivity and stationarity
// (alpha+beta < 1), the precondition for a usable forecast.
func (c Coefficients) Valid() bool {
	return c.Omega > 0 &&
		c.Alpha >= 0 && c.Beta >= 0 &&
		c.Alpha+c.Beta < 1 &&
		!math.IsNaN(c.Omega) && !math.IsNaN(c.Alpha) && !math.IsNaN(c.Beta)
}

// UnconditionalVariance is the long-run variance the recursion reverts to.
func (c Coefficients) UnconditionalVariance() float64 {
	return c.Omega / (1 - c.Alpha - c.Beta)
}

// CalibrationResult is the typed outcome of a calibration attempt. The
// model adopts the coefficients only when Converged is set and the
// invariants hold; otherwise the prior state stays in force.
type CalibrationResult struct {
	Coefficients  Coefficients
	Converged     bool
	LogLikelihood float64
	Iterations    int
}

// Garch is the primary conditional-variance estimator. All methods are
// safe for the scheduler thread to mutate while diagnostic readers
// snapshot under the same lock.
type Garch struct {
	mu         sync.Mutex
	coef       Coefficients
	maxHistory int

	returns   []float64
	variances []float64
	current   float64

	applied  uint64
	rejected uint64
}

// NewGarch builds the estimator. Invalid prior coefficients are a
// construction-time failure: the process refuses to start with an
// unstable model.
func NewGarch(coef Coefficients, maxHistory int) (*Garch, error) {
	if !coef.Valid() {
		return nil, fmt.Errorf("%w: omega=%g alpha=%g beta=%g",
			ErrCoefficients, coef.Omega, coef.Alpha, coef.Beta)
	}
	if maxHistory <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrHistoryLength, maxHistory)
	}
	return &Garch{
		coef:       coef,
		maxHistory: maxHistory,
		returns:    make([]float64, 0, maxHistory),
		variances:  make([]float64, 0, maxHistory),
		current:    coef.UnconditionalVariance(),
	}, nil
}

// Update appends one return observation and advances the variance
// recursion, evicting the oldest history entry beyond maxHistory.
func (g *Garch) Update(ret float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current = g.coef.Omega + g.coef.Alpha*ret*ret + g.coef.Beta*g.current
	g.returns = append(g.returns, ret)
	g.variances = append(g.variances, g.current)
	if len(g.returns) > g.maxHistory {
		g.returns = g.returns[1:]
		g.variances = g.variances[1:]
	}
}

// Forecast returns the horizon-step-ahead volatility, mean reverting
// toward the unconditional level with geometric decay (alpha+beta)^(h-1).
func (g *Garch) Forecast(horizon int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forecastLocked(horizon)
}

func (g *Garch) forecastLocked(horizon int) float64 {
	if horizon < 1 {
		horizon = 1
	}
	persistence := g.coef.Alpha + g.coef.Beta
	uncond := g.coef.UnconditionalVariance()
	variance := uncond + (g.current-uncond)*math.Pow(persistence, float64(horizon-1))
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// ApplyCalibration swaps in new coefficients only when the result
// converged and passes the stationarity/positivity invariant. A
// rejected calibration leaves the prior valid state untouched.
func (g *Garch) ApplyCalibration(res CalibrationResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !res.Converged || !res.Coefficients.Valid() {
		g.rejected++
		return fmt.Errorf("%w: converged=%v omega=%g alpha=%g beta=%g",
			ErrCalibrationRejected, res.Converged,
			res.Coefficients.Omega, res.Coefficients.Alpha, res.Coefficients.Beta)
	}
	g.coef = res.Coefficients
	g.applied++
	return nil
}

// Coefficients returns the active parameter set.
func (g *Garch) Coefficients() Coefficients {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coef
}

// CurrentVariance returns the latest conditional variance.
func (g *Garch) CurrentVariance() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// HistoryLen returns the number of retained observations.
func (g *Garch) HistoryLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.returns)
}

// Returns copies the retained return history, newest last.
func (g *Garch) Returns() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]float64, len(g.returns))
	copy(out, g.returns)
	return out
}

// Healthy reports whether the active coefficients are usable for
// forecasting.
func (g *Garch) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coef.Valid()
}

// CalibrationCounts returns applied/rejected calibration totals.
func (g *Garch) CalibrationCounts() (applied, rejected uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied, g.rejected
}

// SampleVariance is the unbiased variance of the retained returns.
// A zero-return series yields exactly 0.
func (g *Garch) SampleVariance() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sampleVariance(g.returns)
}

// AnnualizedSampleVol is the historical volatility over the retained
// window, annualized on a trading-day basis.
func (g *Garch) AnnualizedSampleVol() float64 {
	return math.Sqrt(g.SampleVariance() * TradingDays)
}

// Diagnostics summarizes fit quality for operators. It is informative
// output, never consumed automatically by the forecaster.
type Diagnostics struct {
	LogLikelihood float64
	AIC           float64
	BIC           float64
	LjungBox      float64
	N             int
}

// Diagnose computes Gaussian log-likelihood, AIC/BIC and a Ljung-Box Q
// statistic on the standardized squared residuals over the retained
// history.
func (g *Garch) Diagnose(lags int) (Diagnostics, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.returns)
	if n < 2 {
		return Diagnostics{}, ErrNotEnoughHistory
	}

	ll := 0.0
	std := make([]float64, n)
	for i := 0; i < n; i++ {
		v := g.variances[i]
		if v <= 0 {
			v = math.SmallestNonzeroFloat64
		}
		r := g.returns[i]
		ll += -0.5 * (math.Log(2*math.Pi) + math.Log(v) + r*r/v)
		std[i] = r * r / v
	}

	const k = 3.0
	d := Diagnostics{
		LogLikelihood: ll,
		AIC:           2*k - 2*ll,
		BIC:           k*math.Log(float64(n)) - 2*ll,
		LjungBox:      ljungBox(std, lags),
		N:             n,
	}
	return d, nil
}

// ljungBox computes Q = n(n+2) * sum_k rho_k^2/(n-k) over the series.
func ljungBox(series []float64, lags int) float64 {
	n := len(series)
	if lags < 1 || n <= lags+1 {
		return 0
	}
	mean := 0.0
	for _, v := range series {
		mean += v
	}
	mean /= float64(n)

	denom := 0.0
	for _, v := range series {
		denom += (v - mean) * (v - mean)
	}
	if denom == 0 {
		return 0
	}

	q := 0.0
	for k := 1; k <= lags; k++ {
		num := 0.0
		for i := k; i < n; i++ {
			num += (series[i] - mean) * (series[i-k] - mean)
		}
		rho := num / denom
		q += rho * rho / float64(n-k)
	}
	return float64(n) * (float64(n) + 2) * q
}

func sampleVariance(series []float64) float64 {
	n := len(series)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range series {
		mean += v
	}
	mean /= float64(n)
	sum := 0.0
	for _, v := range series {
		sum += (v - mean) * (v - mean)
	}
	return sum / float64(n-1)
}

package vol

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrPriorWeights = errors.New("prior weights must be non-negative and sum to 1")
	ErrWindowSize   = errors.New("realized window must be > 1")
)

const (
	// DefaultVolatility is returned when the return history is too
	// short for any estimator. The real-time cycle must always
	// produce a value.
	DefaultVolatility = 0.20

	// ewmaLambda is the RiskMetrics decay factor.
	ewmaLambda = 0.94

	// accuracyDecay smooths the per-model accuracy accumulator.
	accuracyDecay = 0.9

	weightTolerance = 1e-6
)

// Sub-model indices into weight and accuracy vectors.
const (
	ModelGarch = iota
	ModelRealized
	ModelEwma
	ModelCount
)

// Forecast is one ensemble output with its sub-model components.
type Forecast struct {
	Value    float64
	Garch    float64
	Realized float64
	Ewma     float64
	Samples  int
	Degraded bool
}

// Ensemble combines the GARCH forecast with trailing-window realized
// and exponentially weighted volatility estimates under an adaptively
// reweighted vector. Weights are mutated only through RecordOutcome
// and reset only by explicit operator action.
type Ensemble struct {
	mu       sync.Mutex
	garch    *Garch
	window   int
	priors   [ModelCount]float64
	weights  [ModelCount]float64
	accuracy [ModelCount]float64
	outcomes uint64
}

// NewEnsemble builds the forecaster around an owned Garch instance.
// Priors that do not form a distribution are a construction-time
// failure.
func NewEnsemble(garch *Garch, priors [ModelCount]float64, window int) (*Ensemble, error) {
	if garch == nil {
		return nil, errors.New("garch estimator must not be nil")
	}
	if window < 2 {
		return nil, fmt.Errorf("%w: %d", ErrWindowSize, window)
	}
	sum := 0.0
	for _, w := range priors {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: %v", ErrPriorWeights, priors)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, fmt.Errorf("%w: sum=%g", ErrPriorWeights, sum)
	}
	e := &Ensemble{
		garch:    garch,
		window:   window,
		priors:   priors,
		weights:  priors,
		accuracy: priors,
	}
	return e, nil
}

// Update feeds one return observation into the primary estimator.
func (e *Ensemble) Update(ret float64) {
	e.garch.Update(ret)
}

// Forecast produces the weighted ensemble volatility for the horizon.
// Too little history degrades to the documented default constant
// rather than failing.
func (e *Ensemble) Forecast(horizon int) Forecast {
	returns := e.garch.Returns()

	e.mu.Lock()
	weights := e.weights
	window := e.window
	e.mu.Unlock()

	if len(returns) < 2 {
		return Forecast{
			Value:    DefaultVolatility,
			Garch:    DefaultVolatility,
			Realized: DefaultVolatility,
			Ewma:     DefaultVolatility,
			Samples:  len(returns),
			Degraded: true,
		}
	}

	f := Forecast{
		Garch:    e.garch.Forecast(horizon),
		Realized: realizedVol(returns, window),
		Ewma:     ewmaVol(returns),
		Samples:  len(returns),
	}
	f.Value = weights[ModelGarch]*f.Garch +
		weights[ModelRealized]*f.Realized +
		weights[ModelEwma]*f.Ewma
	return f
}

// RecordOutcome feeds one realized-outcome error per sub-model into
// the accuracy accumulator and renormalizes the weight vector.
func (e *Ensemble) RecordOutcome(errs [ModelCount]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sum := 0.0
	for i := 0; i < ModelCount; i++ {
		e.accuracy[i] = accuracyDecay*e.accuracy[i] +
			(1-accuracyDecay)/(1+math.Abs(errs[i]))
		sum += e.accuracy[i]
	}
	if sum <= 0 {
		return
	}
	for i := 0; i < ModelCount; i++ {
		e.weights[i] = e.accuracy[i] / sum
	}
	e.outcomes++
}

// Weights returns the current weight vector.
func (e *Ensemble) Weights() [ModelCount]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights
}

// Outcomes returns the number of recorded outcomes.
func (e *Ensemble) Outcomes() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcomes
}

// ResetWeights restores the prior weights. Explicit operator action
// only; nothing resets the vector implicitly.
func (e *Ensemble) ResetWeights() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weights = e.priors
	e.accuracy = e.priors
}

// Healthy is true only when the primary model's coefficients are valid
// and the weight vector still sums to 1 within tolerance. The
// heartbeat sub-task uses it to flag degraded status without halting
// publication.
func (e *Ensemble) Healthy() bool {
	if !e.garch.Healthy() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sum := 0.0
	for _, w := range e.weights {
		sum += w
	}
	return math.Abs(sum-1) <= weightTolerance
}

// Garch exposes the owned primary estimator.
func (e *Ensemble) Garch() *Garch { return e.garch }

// realizedVol is the annualized sample standard deviation over the
// most recent window returns.
func realizedVol(returns []float64, window int) float64 {
	if len(returns) > window {
		returns = returns[len(returns)-window:]
	}
	return math.Sqrt(sampleVariance(returns) * TradingDays)
}

// ewmaVol is the annualized RiskMetrics exponentially weighted
// volatility over the full retained history.
func ewmaVol(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	v := returns[0] * returns[0]
	for _, r := range returns[1:] {
		v = ewmaLambda*v + (1-ewmaLambda)*r*r
	}
	return math.Sqrt(v * TradingDays)
}

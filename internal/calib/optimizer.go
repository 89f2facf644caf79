package calib

import (
	"errors"
	"math"

	"main/internal/vol"
)

var ErrSeriesTooShort = errors.New("return series too short to calibrate")

// minSeriesLen is the smallest return series worth fitting.
const minSeriesLen = 30

// Optimizer estimates GARCH coefficients from a return series. The
// production deployment may swap in an external calibration library;
// the call blocks and therefore must never run on the scheduler
// thread.
type Optimizer interface {
	Calibrate(returns []float64) (vol.CalibrationResult, error)
}

// Limits bound a calibration attempt.
type Limits struct {
	MaxIterations int
	Tolerance     float64
}

func (l Limits) withDefaults() Limits {
	if l.MaxIterations <= 0 {
		l.MaxIterations = 200
	}
	if l.Tolerance <= 0 {
		l.Tolerance = 1e-8
	}
	return l
}

// MLE is the default optimizer: adaptive coordinate descent on the
// Gaussian log-likelihood with the stationarity constraints enforced
// at every step.
type MLE struct {
	limits Limits
}

// NewMLE builds the default optimizer.
func NewMLE(limits Limits) *MLE {
	return &MLE{limits: limits.withDefaults()}
}

// Calibrate fits (omega, alpha, beta) to the series. A non-converged
// fit is reported as such, never silently substituted.
func (m *MLE) Calibrate(returns []float64) (vol.CalibrationResult, error) {
	if len(returns) < minSeriesLen {
		return vol.CalibrationResult{}, ErrSeriesTooShort
	}

	variance := sampleVariance(returns)
	if variance <= 0 {
		variance = 1e-8
	}
	c := vol.Coefficients{Alpha: 0.05, Beta: 0.90}
	c.Omega = variance * (1 - c.Alpha - c.Beta)

	steps := [3]float64{c.Omega * 0.5, 0.02, 0.02}
	best := logLikelihood(returns, c, variance)
	iterations := 0
	converged := false

	for iter := 0; iter < m.limits.MaxIterations; iter++ {
		iterations = iter + 1
		improved := 0.0
		for p := 0; p < 3; p++ {
			for _, dir := range [2]float64{1, -1} {
				trial := nudge(c, p, dir*steps[p])
				if !trial.Valid() {
					continue
				}
				ll := logLikelihood(returns, trial, variance)
				if ll > best {
					improved += ll - best
					best = ll
					c = trial
				}
			}
			steps[p] *= 0.7
			if steps[p] < 1e-14 {
				steps[p] = 1e-14
			}
		}
		if improved < m.limits.Tolerance {
			converged = true
			break
		}
	}

	res := vol.CalibrationResult{
		Coefficients:  c,
		Converged:     converged && c.Valid(),
		LogLikelihood: best,
		Iterations:    iterations,
	}
	return res, nil
}

func nudge(c vol.Coefficients, param int, delta float64) vol.Coefficients {
	switch param {
	case 0:
		c.Omega += delta
	case 1:
		c.Alpha += delta
	default:
		c.Beta += delta
	}
	return c
}

// logLikelihood evaluates the Gaussian likelihood of the series under
// the variance recursion, seeded from the long-run variance.
func logLikelihood(returns []float64, c vol.Coefficients, seed float64) float64 {
	v := c.UnconditionalVariance()
	if v <= 0 || math.IsNaN(v) {
		v = seed
	}
	ll := 0.0
	for _, r := range returns {
		if v <= 0 {
			return math.Inf(-1)
		}
		ll += -0.5 * (math.Log(2*math.Pi) + math.Log(v) + r*r/v)
		v = c.Omega + c.Alpha*r*r + c.Beta*v
	}
	return ll
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

package vol

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnsemble(t *testing.T) *Ensemble {
	t.Helper()
	g, err := NewGarch(validCoef(), 500)
	require.NoError(t, err)
	e, err := NewEnsemble(g, [ModelCount]float64{0.7, 0.2, 0.1}, 20)
	require.NoError(t, err)
	return e
}

func TestNewEnsembleValidatesPriors(t *testing.T) {
	g, err := NewGarch(validCoef(), 100)
	require.NoError(t, err)

	_, err = NewEnsemble(g, [ModelCount]float64{0.5, 0.2, 0.1}, 20)
	assert.Error(t, err, "priors not summing to 1")

	_, err = NewEnsemble(g, [ModelCount]float64{1.2, -0.1, -0.1}, 20)
	assert.Error(t, err, "negative priors")

	_, err = NewEnsemble(g, [ModelCount]float64{0.7, 0.2, 0.1}, 1)
	assert.Error(t, err, "window too small")

	_, err = NewEnsemble(nil, [ModelCount]float64{0.7, 0.2, 0.1}, 20)
	assert.Error(t, err, "nil garch")
}

func TestShortHistoryYieldsDefaultVolatility(t *testing.T) {
	e := newTestEnsemble(t)

	f := e.Forecast(1)
	assert.True(t, f.Degraded)
	assert.Equal(t, DefaultVolatility, f.Value)

	e.Update(0.01)
	f = e.Forecast(1)
	assert.True(t, f.Degraded, "one observation is still too short")
	assert.Equal(t, DefaultVolatility, f.Value)

	e.Update(-0.005)
	f = e.Forecast(1)
	assert.False(t, f.Degraded)
	assert.Greater(t, f.Value, 0.0)
}

func TestForecastIsWeightedSumOfSubModels(t *testing.T) {
	e := newTestEnsemble(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		e.Update(rng.NormFloat64() * 0.01)
	}

	f := e.Forecast(5)
	w := e.Weights()
	want := w[ModelGarch]*f.Garch + w[ModelRealized]*f.Realized + w[ModelEwma]*f.Ewma
	assert.InDelta(t, want, f.Value, 1e-12)
	assert.Equal(t, 100, f.Samples)
}

func TestWeightsAlwaysSumToOne(t *testing.T) {
	e := newTestEnsemble(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		e.RecordOutcome([ModelCount]float64{
			rng.NormFloat64() * 10,
			rng.NormFloat64() * 10,
			rng.NormFloat64() * 10,
		})
		w := e.Weights()
		sum := w[0] + w[1] + w[2]
		require.InDeltaf(t, 1.0, sum, weightTolerance, "after outcome %d: %v", i, w)
	}
	assert.EqualValues(t, 5000, e.Outcomes())
}

func TestAccuracyFeedbackShiftsWeightToBetterModel(t *testing.T) {
	e := newTestEnsemble(t)
	before := e.Weights()

	// The EWMA model keeps being right while the others keep missing.
	for i := 0; i < 200; i++ {
		e.RecordOutcome([ModelCount]float64{5.0, 5.0, 0.0})
	}
	after := e.Weights()
	assert.Greater(t, after[ModelEwma], before[ModelEwma])
	assert.Less(t, after[ModelGarch], before[ModelGarch])
}

func TestResetWeightsRestoresPriors(t *testing.T) {
	e := newTestEnsemble(t)
	for i := 0; i < 50; i++ {
		e.RecordOutcome([ModelCount]float64{3, 0, 1})
	}
	require.NotEqual(t, [ModelCount]float64{0.7, 0.2, 0.1}, e.Weights())

	e.ResetWeights()
	assert.Equal(t, [ModelCount]float64{0.7, 0.2, 0.1}, e.Weights())
}

func TestHealthyTracksModelAndWeights(t *testing.T) {
	e := newTestEnsemble(t)
	assert.True(t, e.Healthy())

	// A rejected calibration must not flip health.
	err := e.Garch().ApplyCalibration(CalibrationResult{
		Coefficients: Coefficients{Omega: 1, Alpha: 0.9, Beta: 0.9},
		Converged:    true,
	})
	require.Error(t, err)
	assert.True(t, e.Healthy())
}

func TestEwmaVolOfConstantSeriesMatchesClosedForm(t *testing.T) {
	returns := make([]float64, 300)
	for i := range returns {
		returns[i] = 0.01
	}
	// With constant returns the EWMA recursion converges to r^2.
	got := ewmaVol(returns)
	want := math.Sqrt(0.01 * 0.01 * TradingDays)
	assert.InDelta(t, want, got, 1e-6)
}

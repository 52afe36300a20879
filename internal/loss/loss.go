// Package loss provides the training objective and evaluation metrics.
package loss

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// maskEps keeps a fully masked target from dividing by zero.
const maskEps = 1e-12

// MSE (Mean Squared Error) loss.
type MSE struct{}

// Forward computes mean squared error: (1/n) * sum((y_pred - y_true)^2)
func (m MSE) Forward(yPred, yTrue []float64) float64 {
	n := len(yPred)
	if n != len(yTrue) {
		panic("MSE: prediction and target must have same length")
	}
	d := floats.Distance(yPred, yTrue, 2)
	return d * d / float64(n)
}

// BackwardInPlace computes dL/dy_pred = (2/n) * (y_pred - y_true) into grad.
func (m MSE) BackwardInPlace(yPred, yTrue, grad []float64) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) {
		panic("MSE: slices must have same length")
	}
	floats.SubTo(grad, yPred, yTrue)
	floats.Scale(2/float64(n), grad)
}

// MaskedMSE is the mean squared error over observed targets only:
//
//	sum((y_pred - y_true)^2 * mask) / (sum(mask) + 1e-12)
//
// Over a batch the numerator and denominator are both summed before dividing.
type MaskedMSE struct{}

func checkMasked(name string, yPred, yTrue, mask []float64) {
	if len(yPred) != len(yTrue) || len(yPred) != len(mask) {
		panic("MaskedMSE." + name + ": prediction, target and mask must have same length")
	}
}

// Sum returns the masked squared error sum((y_pred - y_true)^2 * mask).
func (m MaskedMSE) Sum(yPred, yTrue, mask []float64) float64 {
	checkMasked("Sum", yPred, yTrue, mask)
	var sum float64
	for i := range yPred {
		d := yPred[i] - yTrue[i]
		sum += d * d * mask[i]
	}
	return sum
}

// Denominator returns sum(mask) + 1e-12.
func (m MaskedMSE) Denominator(mask []float64) float64 {
	return floats.Sum(mask) + maskEps
}

// Forward computes the masked mean squared error of one sample.
func (m MaskedMSE) Forward(yPred, yTrue, mask []float64) float64 {
	return m.Sum(yPred, yTrue, mask) / m.Denominator(mask)
}

// BackwardInPlace writes dL/dy_pred = 2 * (y_pred - y_true) * mask / denom into grad,
// where denom is the batch denominator.
func (m MaskedMSE) BackwardInPlace(yPred, yTrue, mask []float64, denom float64, grad []float64) {
	checkMasked("BackwardInPlace", yPred, yTrue, mask)
	if len(grad) != len(yPred) {
		panic("MaskedMSE.BackwardInPlace: gradient must have same length as prediction")
	}
	factor := 2 / denom
	for i := range yPred {
		grad[i] = factor * (yPred[i] - yTrue[i]) * mask[i]
	}
}

// Metrics are masked regression errors accumulated over many samples.
type Metrics struct {
	MAE  float64
	MSE  float64
	RMSE float64
	MRE  float64
}

// Accumulator sums masked errors sample by sample.
type Accumulator struct {
	absSum  float64
	sqSum   float64
	trueAbs float64
	count   float64
}

// Add folds one sample into the running totals.
func (a *Accumulator) Add(yPred, yTrue, mask []float64) {
	checkMasked("Add", yPred, yTrue, mask)
	for i := range yPred {
		d := yPred[i] - yTrue[i]
		a.absSum += math.Abs(d) * mask[i]
		a.sqSum += d * d * mask[i]
		a.trueAbs += math.Abs(yTrue[i] * mask[i])
		a.count += mask[i]
	}
}

// Metrics returns the errors over everything added so far.
// MRE is the absolute error relative to the absolute targets.
func (a *Accumulator) Metrics() Metrics {
	n := a.count + maskEps
	mse := a.sqSum / n
	return Metrics{
		MAE:  a.absSum / n,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		MRE:  a.absSum / (a.trueAbs + maskEps),
	}
}

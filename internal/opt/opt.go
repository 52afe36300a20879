// Package opt provides optimization algorithms.
package opt

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Optimizer updates network parameters based on gradients.
type Optimizer interface {
	// Step computes updated parameters and returns them in a new slice.
	Step(params, gradients []float64) []float64

	// StepInPlace updates params in-place.
	StepInPlace(params, gradients []float64)

	// State exposes tunable values such as "LearningRate".
	State() map[string]interface{}
	SetState(state map[string]interface{})
}

// SGD (Stochastic Gradient Descent) optimizer.
type SGD struct {
	LearningRate float64
}

// Step computes updated parameters: params - lr * gradients
func (s *SGD) Step(params, gradients []float64) []float64 {
	result := make([]float64, len(params))
	copy(result, params)
	s.StepInPlace(result, gradients)
	return result
}

// StepInPlace updates params in-place: params = params - lr * gradients
func (s *SGD) StepInPlace(params, gradients []float64) {
	floats.AddScaled(params, -s.LearningRate, gradients)
}

// State returns the learning rate.
func (s *SGD) State() map[string]interface{} {
	return map[string]interface{}{"LearningRate": s.LearningRate}
}

// SetState updates the learning rate.
func (s *SGD) SetState(state map[string]interface{}) {
	if lr, ok := state["LearningRate"].(float64); ok {
		s.LearningRate = lr
	}
}

// Adam optimizer with bias-corrected moments and optional L2 weight decay
// added to the gradient, as torch.optim.Adam.
type Adam struct {
	LearningRate float64
	Beta1        float64 // Exponential decay rate for first moment
	Beta2        float64 // Exponential decay rate for second moment
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64

	m, v []float64
	t    int
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Step computes updated parameters using Adam.
func (a *Adam) Step(params, gradients []float64) []float64 {
	result := make([]float64, len(params))
	copy(result, params)
	a.StepInPlace(result, gradients)
	return result
}

// StepInPlace updates params in-place using Adam. The moment buffers are
// sized on first use and reset if the parameter count changes.
func (a *Adam) StepInPlace(params, gradients []float64) {
	if len(a.m) != len(params) {
		a.m = make([]float64, len(params))
		a.v = make([]float64, len(params))
		a.t = 0
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	stepSize := a.LearningRate / c1

	for i, g := range gradients {
		if a.WeightDecay != 0 {
			g += a.WeightDecay * params[i]
		}
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		denom := math.Sqrt(a.v[i])/math.Sqrt(c2) + a.Epsilon
		params[i] -= stepSize * a.m[i] / denom
	}
}

// State returns the hyperparameters and step count.
func (a *Adam) State() map[string]interface{} {
	return map[string]interface{}{
		"LearningRate": a.LearningRate,
		"WeightDecay":  a.WeightDecay,
		"Step":         a.t,
	}
}

// SetState updates the learning rate and weight decay.
func (a *Adam) SetState(state map[string]interface{}) {
	if lr, ok := state["LearningRate"].(float64); ok {
		a.LearningRate = lr
	}
	if wd, ok := state["WeightDecay"].(float64); ok {
		a.WeightDecay = wd
	}
}

// ClipGradNorm rescales gradients in-place so their L2 norm is at most
// maxNorm, and returns the norm before clipping.
func ClipGradNorm(gradients []float64, maxNorm float64) float64 {
	norm := floats.Norm(gradients, 2)
	if maxNorm > 0 && norm > maxNorm {
		floats.Scale(maxNorm/(norm+1e-6), gradients)
	}
	return norm
}

// LearningRate reads the learning rate from an optimizer's state.
func LearningRate(o Optimizer) float64 {
	lr, _ := o.State()["LearningRate"].(float64)
	return lr
}

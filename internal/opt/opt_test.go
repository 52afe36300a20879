package opt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSGDStep tests SGD step computation.
func TestSGDStep(t *testing.T) {
	sgd := &SGD{LearningRate: 0.1}

	params := []float64{1.0, 2.0, 3.0}
	updated := sgd.Step(params, []float64{0.1, 0.2, 0.3})

	assert.InDeltaSlice(t, []float64{0.99, 1.98, 2.97}, updated, 1e-12)
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, params, "Step must not modify its input")
}

// TestSGDStepInPlace tests in-place SGD update.
func TestSGDStepInPlace(t *testing.T) {
	sgd := &SGD{LearningRate: 0.1}

	params := []float64{1.0, 2.0, 3.0}
	sgd.StepInPlace(params, []float64{0.1, 0.2, 0.3})

	assert.InDeltaSlice(t, []float64{0.99, 1.98, 2.97}, params, 1e-12)
}

// TestSGDConvergence minimizes f(x) = (x-3)^2.
func TestSGDConvergence(t *testing.T) {
	sgd := &SGD{LearningRate: 0.1}
	params := []float64{0}
	for i := 0; i < 200; i++ {
		sgd.StepInPlace(params, []float64{2 * (params[0] - 3)})
	}
	assert.InDelta(t, 3.0, params[0], 1e-6)
}

// TestAdamFirstStep checks that the first bias-corrected step moves every
// parameter by about lr against the sign of its gradient.
func TestAdamFirstStep(t *testing.T) {
	adam := NewAdam(0.01)
	params := []float64{1, 1, 1}
	adam.StepInPlace(params, []float64{0.5, -2, 1e3})

	assert.InDeltaSlice(t, []float64{0.99, 1.01, 0.99}, params, 1e-6)
}

// TestAdamMatchesReference compares two steps against a hand computation.
func TestAdamMatchesReference(t *testing.T) {
	adam := NewAdam(0.1)
	p := []float64{1}
	grads := []float64{0.2, 0.4}

	m, v, want := 0.0, 0.0, 1.0
	for step, g := range grads {
		m = 0.9*m + 0.1*g
		v = 0.999*v + 0.001*g*g
		mHat := m / (1 - math.Pow(0.9, float64(step+1)))
		vHat := v / (1 - math.Pow(0.999, float64(step+1)))
		want -= 0.1 * mHat / (math.Sqrt(vHat) + 1e-8)

		adam.StepInPlace(p, []float64{g})
	}
	assert.InDelta(t, want, p[0], 1e-9)
}

// TestAdamWeightDecay checks that decay shrinks parameters without gradients.
func TestAdamWeightDecay(t *testing.T) {
	adam := NewAdam(0.01)
	adam.WeightDecay = 0.1
	params := []float64{2, -2}
	for i := 0; i < 10; i++ {
		adam.StepInPlace(params, []float64{0, 0})
	}
	assert.Less(t, params[0], 2.0)
	assert.Greater(t, params[1], -2.0)
}

// TestAdamZeroGradient leaves parameters unchanged.
func TestAdamZeroGradient(t *testing.T) {
	adam := NewAdam(0.01)
	params := []float64{1, 2}
	updated := adam.Step(params, []float64{0, 0})
	assert.InDeltaSlice(t, params, updated, 1e-12)
}

func TestAdamResetsOnResize(t *testing.T) {
	adam := NewAdam(0.01)
	adam.StepInPlace([]float64{1}, []float64{1})
	require.Equal(t, 1, adam.State()["Step"])

	adam.StepInPlace([]float64{1, 2}, []float64{1, 1})
	assert.Equal(t, 1, adam.State()["Step"])
}

// TestOptimizerState covers the learning rate round trip used by schedulers.
func TestOptimizerState(t *testing.T) {
	tests := []struct {
		name string
		opt  Optimizer
	}{
		{"SGD", &SGD{LearningRate: 0.1}},
		{"Adam", NewAdam(0.1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.opt.State()
			state["LearningRate"] = 0.05
			tt.opt.SetState(state)
			assert.Equal(t, 0.05, LearningRate(tt.opt))
		})
	}
}

func TestClipGradNorm(t *testing.T) {
	grads := []float64{3, 4}
	norm := ClipGradNorm(grads, 1)
	assert.InDelta(t, 5.0, norm, 1e-12)
	assert.InDelta(t, 1.0, math.Hypot(grads[0], grads[1]), 1e-5)

	small := []float64{0.3, 0.4}
	ClipGradNorm(small, 1)
	assert.Equal(t, []float64{0.3, 0.4}, small)
}

func TestStepLR(t *testing.T) {
	sgd := &SGD{LearningRate: 1}
	s := NewStepLR(sgd, 2, 0.5)
	s.Step()
	assert.Equal(t, 1.0, s.GetLR())
	s.Step()
	assert.Equal(t, 0.5, s.GetLR())
	s.Step()
	s.Step()
	assert.Equal(t, 0.25, s.GetLR())
}

func TestExponentialLR(t *testing.T) {
	adam := NewAdam(1)
	s := NewExponentialLR(adam, 0.9)
	s.Step()
	s.Step()
	assert.InDelta(t, 0.81, s.GetLR(), 1e-12)
}

func TestReduceLROnPlateau(t *testing.T) {
	sgd := &SGD{LearningRate: 1}
	s := NewReduceLROnPlateau(sgd, 0.1, 2, 0, 0.05)

	s.StepWithLoss(1.0)
	s.StepWithLoss(1.0)
	assert.Equal(t, 1.0, s.GetLR(), "one bad epoch is within patience")
	s.StepWithLoss(1.0)
	assert.InDelta(t, 0.1, s.GetLR(), 1e-12)

	s.StepWithLoss(1.0)
	s.StepWithLoss(1.0)
	assert.InDelta(t, 0.05, s.GetLR(), 1e-12, "clamped at minLR")
}

// Package activations provides the elementwise activation functions used by the mixing layers.
package activations

import (
	"fmt"
	"math"
)

// Activation is an activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float64) float64

	// Derivative computes f'(x)
	Derivative(x float64) float64
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x)
func (r ReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// Derivative returns 1 if x > 0, else 0
func (r ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// Tanh activation function.
type Tanh struct{}

// Activate computes tanh(x)
func (t Tanh) Activate(x float64) float64 {
	return math.Tanh(x)
}

// Derivative computes 1 - tanh(x)^2
func (t Tanh) Derivative(x float64) float64 {
	tanhX := math.Tanh(x)
	return 1 - tanhX*tanhX
}

// GELU is the exact (erf based) Gaussian error linear unit.
// PyTorch reference: torch.nn.GELU(approximate='none')
type GELU struct{}

// Activate computes x * Phi(x)
func (g GELU) Activate(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// Derivative computes Phi(x) + x * phi(x)
func (g GELU) Derivative(x float64) float64 {
	cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
	pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
	return cdf + x*pdf
}

// Linear is the identity activation.
type Linear struct{}

// Activate returns x unchanged
func (l Linear) Activate(x float64) float64 {
	return x
}

// Derivative is always 1
func (l Linear) Derivative(x float64) float64 {
	return 1
}

// ByName resolves an activation from its configuration name.
func ByName(name string) (Activation, error) {
	switch name {
	case "", "gelu", "GELU":
		return GELU{}, nil
	case "relu", "ReLU":
		return ReLU{}, nil
	case "tanh", "Tanh":
		return Tanh{}, nil
	case "linear", "Linear":
		return Linear{}, nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

// Name returns the configuration name of a known activation.
func Name(act Activation) string {
	switch act.(type) {
	case GELU:
		return "gelu"
	case ReLU:
		return "relu"
	case Tanh:
		return "tanh"
	case Linear:
		return "linear"
	default:
		return "gelu"
	}
}

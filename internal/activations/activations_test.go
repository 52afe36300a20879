package activations

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// PyTorch reference values: torch.nn.GELU()(torch.tensor([...]))
func TestGELUAgainstPyTorchReference(t *testing.T) {
	g := GELU{}
	tests := []struct {
		x, want float64
	}{
		{0, 0},
		{1, 0.8413447461},
		{-1, -0.1586552539},
		{2, 1.9544997361},
		{-3, -0.0040496},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, g.Activate(tt.x), 1e-6, "GELU(%v)", tt.x)
	}
}

func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	const h = 1e-6
	acts := []Activation{GELU{}, Tanh{}, Linear{}}
	for _, act := range acts {
		for _, x := range []float64{-2.5, -0.7, 0.3, 1.1, 3} {
			numeric := (act.Activate(x+h) - act.Activate(x-h)) / (2 * h)
			assert.InDelta(t, numeric, act.Derivative(x), 1e-6, "%T'(%v)", act, x)
		}
	}
}

func TestReLU(t *testing.T) {
	r := ReLU{}
	assert.Equal(t, 0.0, r.Activate(-1))
	assert.Equal(t, 2.0, r.Activate(2))
	assert.Equal(t, 0.0, r.Derivative(-1))
	assert.Equal(t, 1.0, r.Derivative(2))
}

func TestByName(t *testing.T) {
	for _, name := range []string{"gelu", "relu", "tanh", "linear"} {
		act, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, Name(act))
	}

	act, err := ByName("")
	require.NoError(t, err)
	assert.IsType(t, GELU{}, act)

	_, err = ByName("swish")
	assert.Error(t, err)
	assert.False(t, math.IsNaN(GELU{}.Derivative(0)))
}

// Package gradcheck compares analytical gradients against central finite
// differences. It is used by the tests of the layer, mixer and model packages.
package gradcheck

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/layer"
)

const (
	step = 1e-5
	tol  = 1e-6
)

// Func is a differentiable computation in the layer calling convention.
type Func func(x *mat.Dense) (*mat.Dense, layer.Backprop)

// Check differentiates L = sum(f(x) * r) for a fixed random r and compares
// the gradient w.r.t. every parameter, and w.r.t. x when checkInput is set,
// with central differences. params must be the parameters f reads.
func Check(t testing.TB, f Func, x *mat.Dense, params []*layer.Param, checkInput bool) {
	t.Helper()

	y, _ := f(x)
	rows, cols := y.Dims()
	rng := rand.New(rand.NewSource(7))
	r := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			r.Set(i, j, rng.NormFloat64())
		}
	}
	objective := func() float64 {
		y, _ := f(x)
		var prod mat.Dense
		prod.MulElem(y, r)
		return mat.Sum(&prod)
	}

	layer.ZeroGrads(params)
	_, back := f(x)
	dx := back(r)

	central := func(set func(float64), orig float64) float64 {
		set(orig + step)
		plus := objective()
		set(orig - step)
		minus := objective()
		set(orig)
		return (plus - minus) / (2 * step)
	}

	for _, p := range params {
		for k := range p.Value {
			k := k
			want := central(func(v float64) { p.Value[k] = v }, p.Value[k])
			assert.InDeltaf(t, want, p.Grad[k], tol*(1+math.Abs(want)), "%s[%d]", p.Name, k)
		}
	}

	if !checkInput {
		return
	}
	xr, xc := x.Dims()
	for i := 0; i < xr; i++ {
		for j := 0; j < xc; j++ {
			i, j := i, j
			want := central(func(v float64) { x.Set(i, j, v) }, x.At(i, j))
			assert.InDeltaf(t, want, dx.At(i, j), tol*(1+math.Abs(want)), "x[%d,%d]", i, j)
		}
	}
}

// RandomMatrix returns a rows x cols matrix of standard normal values.
func RandomMatrix(rows, cols int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

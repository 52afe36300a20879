package layer

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const tokenKernel = 3

// TokenEmbedding is a circular 1D convolution over time with kernel size 3
// and no bias, lifting c_in channels to d_model. Equivalent to
// torch.nn.Conv1d(c_in, d_model, 3, padding=1, padding_mode="circular", bias=False).
type TokenEmbedding struct {
	inSize  int
	outSize int

	// weight[o, c*3+k] multiplies x[(t+k-1) mod T, c]
	weight *Param
	w      *mat.Dense
}

// NewTokenEmbedding creates the convolution with Kaiming-normal weights
// (fan_in, leaky_relu gain).
func NewTokenEmbedding(in, out int, rng *rand.Rand) *TokenEmbedding {
	e := &TokenEmbedding{
		inSize:  in,
		outSize: out,
		weight:  NewParam("token_embedding.weight", out*in*tokenKernel),
	}
	gain := math.Sqrt(2 / (1 + 0.01*0.01))
	std := gain / math.Sqrt(float64(in*tokenKernel))
	for i := range e.weight.Value {
		e.weight.Value[i] = rng.NormFloat64() * std
	}
	e.w = mat.NewDense(out, in*tokenKernel, e.weight.Value)
	return e
}

// unfold lays the circular neighbourhood of every step out as one row.
func (e *TokenEmbedding) unfold(x *mat.Dense) *mat.Dense {
	steps, _ := x.Dims()
	cols := mat.NewDense(steps, e.inSize*tokenKernel, nil)
	for t := 0; t < steps; t++ {
		row := cols.RawRowView(t)
		for k := 0; k < tokenKernel; k++ {
			src := x.RawRowView((t + k - 1 + steps) % steps)
			for c := 0; c < e.inSize; c++ {
				row[c*tokenKernel+k] = src[c]
			}
		}
	}
	return cols
}

// Forward convolves x [T x c_in] into [T x d_model].
func (e *TokenEmbedding) Forward(x *mat.Dense) (*mat.Dense, Backprop) {
	steps, c := x.Dims()
	if c != e.inSize {
		panic(fmt.Sprintf("TokenEmbedding: input has %d channels, want %d", c, e.inSize))
	}

	cols := e.unfold(x)
	y := mat.NewDense(steps, e.outSize, nil)
	y.Mul(cols, e.w.T())

	back := func(grad *mat.Dense) *mat.Dense {
		dw := mat.NewDense(e.outSize, e.inSize*tokenKernel, nil)
		dw.Mul(grad.T(), cols)
		floats.Add(e.weight.Grad, dw.RawMatrix().Data)

		dcols := mat.NewDense(steps, e.inSize*tokenKernel, nil)
		dcols.Mul(grad, e.w)

		dx := mat.NewDense(steps, e.inSize, nil)
		for t := 0; t < steps; t++ {
			row := dcols.RawRowView(t)
			for k := 0; k < tokenKernel; k++ {
				dst := dx.RawRowView((t + k - 1 + steps) % steps)
				for ch := 0; ch < e.inSize; ch++ {
					dst[ch] += row[ch*tokenKernel+k]
				}
			}
		}
		return dx
	}
	return y, back
}

// Params returns the convolution kernel.
func (e *TokenEmbedding) Params() []*Param {
	return []*Param{e.weight}
}

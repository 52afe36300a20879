package layer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// RevIN is reversible instance normalization over the time axis.
// The per-sample statistics are treated as constants: gradients only flow
// through the affine weight and bias.
type RevIN struct {
	name     string
	features int
	eps      float64
	affine   bool

	weight *Param
	bias   *Param
}

// Stats are the per-column statistics of one normalized sample.
type Stats struct {
	Mean  []float64
	Stdev []float64
}

// NewRevIN creates a RevIN layer for the given number of columns.
func NewRevIN(name string, features int, eps float64, affine bool) *RevIN {
	r := &RevIN{
		name:     name,
		features: features,
		eps:      eps,
		affine:   affine,
	}
	if affine {
		r.weight = NewParam(name+".affine_weight", features)
		r.bias = NewParam(name+".affine_bias", features)
		for i := range r.weight.Value {
			r.weight.Value[i] = 1
		}
	}
	return r
}

// ColumnStats computes the population mean and sqrt(var+eps) of each column.
func ColumnStats(x *mat.Dense, eps float64) Stats {
	_, cols := x.Dims()
	s := Stats{Mean: make([]float64, cols), Stdev: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, x)
		mean, variance := stat.PopMeanVariance(col, nil)
		s.Mean[j] = mean
		s.Stdev[j] = math.Sqrt(variance + eps)
	}
	return s
}

func (r *RevIN) check(x *mat.Dense) (int, int) {
	rows, cols := x.Dims()
	if cols != r.features {
		panic(fmt.Sprintf("RevIN %s: input has %d columns, want %d", r.name, cols, r.features))
	}
	return rows, cols
}

// Normalize standardizes every column and applies the affine transform.
func (r *RevIN) Normalize(x *mat.Dense) (*mat.Dense, Stats, Backprop) {
	rows, cols := r.check(x)
	stats := ColumnStats(x, r.eps)

	xhat := mat.NewDense(rows, cols, nil)
	z := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		src, h, dst := x.RawRowView(i), xhat.RawRowView(i), z.RawRowView(i)
		for j := 0; j < cols; j++ {
			h[j] = (src[j] - stats.Mean[j]) / stats.Stdev[j]
			dst[j] = h[j]
			if r.affine {
				dst[j] = h[j]*r.weight.Value[j] + r.bias.Value[j]
			}
		}
	}

	back := func(grad *mat.Dense) *mat.Dense {
		dx := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			g, h, d := grad.RawRowView(i), xhat.RawRowView(i), dx.RawRowView(i)
			for j := 0; j < cols; j++ {
				dh := g[j]
				if r.affine {
					r.weight.Grad[j] += g[j] * h[j]
					r.bias.Grad[j] += g[j]
					dh = g[j] * r.weight.Value[j]
				}
				d[j] = dh / stats.Stdev[j]
			}
		}
		return dx
	}
	return z, stats, back
}

// Denormalize reverses Normalize using the statistics of the original input.
func (r *RevIN) Denormalize(y *mat.Dense, stats Stats) (*mat.Dense, Backprop) {
	rows, cols := r.check(y)
	out := mat.NewDense(rows, cols, nil)
	eps2 := r.eps * r.eps
	for i := 0; i < rows; i++ {
		src, dst := y.RawRowView(i), out.RawRowView(i)
		for j := 0; j < cols; j++ {
			u := src[j]
			if r.affine {
				u = (u - r.bias.Value[j]) / (r.weight.Value[j] + eps2)
			}
			dst[j] = u*stats.Stdev[j] + stats.Mean[j]
		}
	}

	back := func(grad *mat.Dense) *mat.Dense {
		dy := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			g, src, d := grad.RawRowView(i), y.RawRowView(i), dy.RawRowView(i)
			for j := 0; j < cols; j++ {
				du := g[j] * stats.Stdev[j]
				if !r.affine {
					d[j] = du
					continue
				}
				denom := r.weight.Value[j] + eps2
				d[j] = du / denom
				r.bias.Grad[j] -= du / denom
				r.weight.Grad[j] -= du * (src[j] - r.bias.Value[j]) / (denom * denom)
			}
		}
		return dy
	}
	return out, back
}

// Params returns the affine parameters, or nil when affine is disabled.
func (r *RevIN) Params() []*Param {
	if !r.affine {
		return nil
	}
	return []*Param{r.weight, r.bias}
}

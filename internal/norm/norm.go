// Package norm implements the non-stationary normalization applied to model
// inputs and reverted on model outputs.
package norm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	countEps = 1e-9
	varEps   = 1e-5
)

// Stats holds the per-column statistics used to revert the normalization.
type Stats struct {
	Means []float64
	Stdev []float64
}

// Nonstationary standardizes every column of x over time.
//
// With a nil mask the population mean and variance of each column are used.
// With a mask only observed values (mask == 1) count:
//
//	n    = sum(mask) + 1e-9
//	mean = sum(x) / n
//	var  = sum(((x - mean) * mask)^2) + 1e-9
//	std  = sqrt(var / n + 1e-5)
//
// Missing positions are zero after normalization. x is expected to hold zeros
// where values are missing, as the mean sums every entry.
func Nonstationary(x, mask *mat.Dense) (*mat.Dense, Stats) {
	rows, cols := x.Dims()
	if mask != nil {
		if mr, mc := mask.Dims(); mr != rows || mc != cols {
			panic(fmt.Sprintf("Nonstationary: mask is %dx%d, input is %dx%d", mr, mc, rows, cols))
		}
	}

	s := Stats{Means: make([]float64, cols), Stdev: make([]float64, cols)}
	out := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, x)
		if mask == nil {
			mean, variance := stat.PopMeanVariance(col, nil)
			s.Means[j] = mean
			s.Stdev[j] = math.Sqrt(variance + varEps)
			for t := range col {
				out.Set(t, j, (col[t]-mean)/s.Stdev[j])
			}
			continue
		}

		m := mat.Col(nil, j, mask)
		count := countEps
		sum := 0.0
		for t := range col {
			if m[t] == 1 {
				count++
			}
			sum += col[t]
		}
		mean := sum / count
		variance := countEps
		for t := range col {
			if m[t] == 0 {
				continue
			}
			d := col[t] - mean
			variance += d * d
		}
		s.Means[j] = mean
		s.Stdev[j] = math.Sqrt(variance/count + varEps)
		for t := range col {
			v := 0.0
			if m[t] != 0 {
				v = (col[t] - mean) / s.Stdev[j]
			}
			out.Set(t, j, v)
		}
	}
	return out, s
}

// Denormalize maps a normalized [steps x cols] matrix back to data scale.
func Denormalize(x *mat.Dense, s Stats) *mat.Dense {
	rows, cols := x.Dims()
	if cols != len(s.Means) {
		panic(fmt.Sprintf("Denormalize: input has %d columns, stats have %d", cols, len(s.Means)))
	}
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		src, dst := x.RawRowView(i), out.RawRowView(i)
		for j := range dst {
			dst[j] = src[j]*s.Stdev[j] + s.Means[j]
		}
	}
	return out
}

// DenormalizeBackward maps a gradient w.r.t. the denormalized output back to
// the normalized input. The statistics are constants.
func DenormalizeBackward(grad *mat.Dense, s Stats) *mat.Dense {
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		src, dst := grad.RawRowView(i), dx.RawRowView(i)
		for j := 0; j < cols; j++ {
			dst[j] = src[j] * s.Stdev[j]
		}
	}
	return dx
}

package layer

import (
	"fmt"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// DecompBackprop maps the gradients of both components back to the input.
type DecompBackprop func(dSeason, dTrend *mat.Dense) *mat.Dense

// Decomposer splits a series into seasonal and trend components along time,
// with season + trend == x.
type Decomposer interface {
	Decompose(x *mat.Dense) (season, trend *mat.Dense, back DecompBackprop)
}

// MovingAvgDecomp extracts the trend with a centred moving average.
// Both ends are padded by repeating the first and last step.
type MovingAvgDecomp struct {
	kernel int
}

// NewMovingAvgDecomp creates a moving average decomposition. kernel must be odd.
func NewMovingAvgDecomp(kernel int) *MovingAvgDecomp {
	if kernel <= 0 || kernel%2 == 0 {
		panic(fmt.Sprintf("MovingAvgDecomp: kernel must be odd and positive, got %d", kernel))
	}
	return &MovingAvgDecomp{kernel: kernel}
}

// Kernel returns the moving average window.
func (m *MovingAvgDecomp) Kernel() int {
	return m.kernel
}

// average computes the padded moving average of every column.
func (m *MovingAvgDecomp) average(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	half := (m.kernel - 1) / 2
	inv := 1 / float64(m.kernel)
	y := mat.NewDense(rows, cols, nil)
	for t := 0; t < rows; t++ {
		dst := y.RawRowView(t)
		for k := -half; k <= half; k++ {
			src := x.RawRowView(clamp(t+k, rows))
			for j := 0; j < cols; j++ {
				dst[j] += src[j] * inv
			}
		}
	}
	return y
}

// averageT applies the transpose of average, scattering each step back
// onto the steps that contributed to it.
func (m *MovingAvgDecomp) averageT(g *mat.Dense) *mat.Dense {
	rows, cols := g.Dims()
	half := (m.kernel - 1) / 2
	inv := 1 / float64(m.kernel)
	y := mat.NewDense(rows, cols, nil)
	for t := 0; t < rows; t++ {
		src := g.RawRowView(t)
		for k := -half; k <= half; k++ {
			dst := y.RawRowView(clamp(t+k, rows))
			for j := 0; j < cols; j++ {
				dst[j] += src[j] * inv
			}
		}
	}
	return y
}

// Decompose returns season = x - avg(x) and trend = avg(x).
func (m *MovingAvgDecomp) Decompose(x *mat.Dense) (*mat.Dense, *mat.Dense, DecompBackprop) {
	trend := m.average(x)
	var season mat.Dense
	season.Sub(x, trend)

	back := func(dSeason, dTrend *mat.Dense) *mat.Dense {
		var diff mat.Dense
		diff.Sub(dTrend, dSeason)
		dx := m.averageT(&diff)
		dx.Add(dx, dSeason)
		return dx
	}
	return &season, trend, back
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// DFTDecomp keeps the topK strongest non-DC frequencies of every column as
// the seasonal component; the remainder is the trend.
type DFTDecomp struct {
	topK int
}

// NewDFTDecomp creates a DFT decomposition keeping topK frequencies.
func NewDFTDecomp(topK int) *DFTDecomp {
	if topK <= 0 {
		panic(fmt.Sprintf("DFTDecomp: topK must be positive, got %d", topK))
	}
	return &DFTDecomp{topK: topK}
}

// TopK returns the number of kept frequencies.
func (d *DFTDecomp) TopK() int {
	return d.topK
}

// selectBins returns a keep-mask over the rfft bins of coeffs.
// The DC bin is never kept; ties are broken towards the lower frequency.
func (d *DFTDecomp) selectBins(coeffs []complex128) []bool {
	bins := make([]int, 0, len(coeffs)-1)
	for k := 1; k < len(coeffs); k++ {
		bins = append(bins, k)
	}
	sort.SliceStable(bins, func(a, b int) bool {
		return cmplx.Abs(coeffs[bins[a]]) > cmplx.Abs(coeffs[bins[b]])
	})
	keep := make([]bool, len(coeffs))
	for i := 0; i < d.topK && i < len(bins); i++ {
		keep[bins[i]] = true
	}
	return keep
}

// project band-passes one column through the kept bins.
func project(fft *fourier.FFT, col []float64, keep []bool) []float64 {
	coeffs := fft.Coefficients(nil, col)
	for k := range coeffs {
		if !keep[k] {
			coeffs[k] = 0
		}
	}
	out := fft.Sequence(nil, coeffs)
	inv := 1 / float64(len(col))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Decompose returns the band-passed season and trend = x - season.
// The frequency selection is fixed by the forward pass; the band-pass is an
// orthogonal projection, so the backward pass reuses it unchanged.
func (d *DFTDecomp) Decompose(x *mat.Dense) (*mat.Dense, *mat.Dense, DecompBackprop) {
	rows, cols := x.Dims()
	fft := fourier.NewFFT(rows)
	keeps := make([][]bool, cols)
	season := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, x)
		keeps[j] = d.selectBins(fft.Coefficients(nil, col))
		season.SetCol(j, project(fft, col, keeps[j]))
	}
	var trend mat.Dense
	trend.Sub(x, season)

	back := func(dSeason, dTrend *mat.Dense) *mat.Dense {
		// dx = dTrend + P(dSeason - dTrend)
		var diff mat.Dense
		diff.Sub(dSeason, dTrend)
		bfft := fourier.NewFFT(rows)
		dx := mat.DenseCopyOf(dTrend)
		for j := 0; j < cols; j++ {
			p := project(bfft, mat.Col(nil, j, &diff), keeps[j])
			for t := 0; t < rows; t++ {
				dx.Set(t, j, dx.At(t, j)+p[t])
			}
		}
		return dx
	}
	return season, &trend, back
}

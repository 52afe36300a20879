package layer

import "gonum.org/v1/gonum/mat"

// AvgPool down-samples x along time with a non-overlapping window, like
// torch.nn.AvgPool1d(window) applied to [channels x steps]. Trailing steps
// that do not fill a window are dropped.
func AvgPool(x *mat.Dense, window int) *mat.Dense {
	rows, cols := x.Dims()
	if window <= 1 {
		return mat.DenseCopyOf(x)
	}
	outRows := rows / window
	if outRows == 0 {
		panic("AvgPool: window larger than the series")
	}
	y := mat.NewDense(outRows, cols, nil)
	inv := 1 / float64(window)
	for i := 0; i < outRows; i++ {
		dst := y.RawRowView(i)
		for k := 0; k < window; k++ {
			src := x.RawRowView(i*window + k)
			for j := 0; j < cols; j++ {
				dst[j] += src[j] * inv
			}
		}
	}
	return y
}

// AvgPoolBackward spreads a pooled gradient evenly over the window it was
// averaged from. rows is the length of the series before pooling.
func AvgPoolBackward(grad *mat.Dense, window, rows int) *mat.Dense {
	outRows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	if window <= 1 {
		dx.Copy(grad)
		return dx
	}
	inv := 1 / float64(window)
	for i := 0; i < outRows; i++ {
		src := grad.RawRowView(i)
		for k := 0; k < window; k++ {
			dst := dx.RawRowView(i*window + k)
			for j := 0; j < cols; j++ {
				dst[j] = src[j] * inv
			}
		}
	}
	return dx
}

// Subsample keeps every window-th step of x, starting with the first, and
// returns as many steps as AvgPool would.
func Subsample(x *mat.Dense, window int) *mat.Dense {
	rows, cols := x.Dims()
	if window <= 1 {
		return mat.DenseCopyOf(x)
	}
	outRows := rows / window
	if outRows == 0 {
		panic("Subsample: window larger than the series")
	}
	y := mat.NewDense(outRows, cols, nil)
	for i := 0; i < outRows; i++ {
		copy(y.RawRowView(i), x.RawRowView(i*window))
	}
	return y
}

// Column extracts column j as a [steps x 1] matrix.
func Column(x *mat.Dense, j int) *mat.Dense {
	rows, _ := x.Dims()
	return mat.NewDense(rows, 1, mat.Col(nil, j, x))
}

// Stack places [steps x 1] columns side by side.
func Stack(cols []*mat.Dense) *mat.Dense {
	rows, _ := cols[0].Dims()
	y := mat.NewDense(rows, len(cols), nil)
	for j, c := range cols {
		y.SetCol(j, mat.Col(nil, 0, c))
	}
	return y
}

// LastRows returns a copy of the final n rows of x.
func LastRows(x *mat.Dense, n int) *mat.Dense {
	rows, cols := x.Dims()
	if n >= rows {
		return mat.DenseCopyOf(x)
	}
	return mat.DenseCopyOf(x.Slice(rows-n, rows, 0, cols))
}

package data

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/timemixer"
)

// Dataset is an ordered collection of forecasting samples.
type Dataset struct {
	Samples []timemixer.Inputs
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Samples)
}

// Windows slides a window over s. Each sample takes nSteps rows of every
// column as input and the following nPredSteps rows of targetCols as target.
// A nil targetCols selects every column. Windows start every stride rows.
func Windows(s *Series, nSteps, nPredSteps, stride int, targetCols []int) (*Dataset, error) {
	if nSteps <= 0 || nPredSteps <= 0 {
		return nil, fmt.Errorf("data: window lengths must be positive, got %d and %d", nSteps, nPredSteps)
	}
	if stride < 1 {
		stride = 1
	}
	if targetCols == nil {
		targetCols = make([]int, s.Width())
		for j := range targetCols {
			targetCols[j] = j
		}
	}
	for _, c := range targetCols {
		if c < 0 || c >= s.Width() {
			return nil, fmt.Errorf("data: target column %d out of range [0, %d)", c, s.Width())
		}
	}

	span := nSteps + nPredSteps
	if s.Len() < span {
		return nil, fmt.Errorf("%w: %d steps, need %d", ErrNoWindows, s.Len(), span)
	}

	ds := &Dataset{}
	for start := 0; start+span <= s.Len(); start += stride {
		ds.Samples = append(ds.Samples, timemixer.Inputs{
			X:                rows(s.Values, start, nSteps),
			MissingMask:      rows(s.Mask, start, nSteps),
			XPred:            pick(s.Values, start+nSteps, nPredSteps, targetCols),
			XPredMissingMask: pick(s.Mask, start+nSteps, nPredSteps, targetCols),
		})
	}
	return ds, nil
}

// LastWindow returns the most recent nSteps rows of s as an input with no
// target, for forecasting past the end of the series.
func LastWindow(s *Series, nSteps int) (timemixer.Inputs, error) {
	if s.Len() < nSteps {
		return timemixer.Inputs{}, fmt.Errorf("%w: %d steps, need %d", ErrNoWindows, s.Len(), nSteps)
	}
	start := s.Len() - nSteps
	return timemixer.Inputs{
		X:           rows(s.Values, start, nSteps),
		MissingMask: rows(s.Mask, start, nSteps),
	}, nil
}

func rows(m *mat.Dense, start, n int) *mat.Dense {
	_, c := m.Dims()
	return mat.DenseCopyOf(m.Slice(start, start+n, 0, c))
}

func pick(m *mat.Dense, start, n int, cols []int) *mat.Dense {
	out := mat.NewDense(n, len(cols), nil)
	for t := 0; t < n; t++ {
		for j, c := range cols {
			out.Set(t, j, m.At(start+t, c))
		}
	}
	return out
}

// Split splits the dataset chronologically based on the given ratio (0.0 to 1.0).
// Returns two new Datasets (train, test).
func (d *Dataset) Split(ratio float64) (*Dataset, *Dataset) {
	if ratio <= 0 {
		return &Dataset{}, d
	}
	if ratio >= 1 {
		return d, &Dataset{}
	}

	splitIdx := int(float64(len(d.Samples)) * ratio)
	return &Dataset{Samples: d.Samples[:splitIdx]}, &Dataset{Samples: d.Samples[splitIdx:]}
}

// Batches groups sample indices into batches of at most size. With a non-nil
// rng the order is shuffled first.
func (d *Dataset) Batches(size int, rng *rand.Rand) [][]int {
	if size < 1 {
		size = 1
	}
	idx := make([]int, d.Len())
	for i := range idx {
		idx[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}

	var batches [][]int
	for start := 0; start < len(idx); start += size {
		end := start + size
		if end > len(idx) {
			end = len(idx)
		}
		batches = append(batches, idx[start:end])
	}
	return batches
}

// Subset returns the samples at idx.
func (d *Dataset) Subset(idx []int) []timemixer.Inputs {
	out := make([]timemixer.Inputs, len(idx))
	for i, k := range idx {
		out[i] = d.Samples[k]
	}
	return out
}

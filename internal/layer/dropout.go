package layer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout implements inverted dropout regularization.
// During training, randomly sets inputs to 0 with probability p and scales
// the survivors by 1/(1-p). During inference, passes inputs through unchanged.
type Dropout struct {
	p        float64
	training bool
	rng      *rand.Rand
}

// NewDropout creates a new dropout layer in inference mode.
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{p: p, rng: rng}
}

// SetTraining sets whether the layer should be in training or inference mode.
func (d *Dropout) SetTraining(training bool) {
	d.training = training
}

// IsTraining returns whether the layer is in training mode.
func (d *Dropout) IsTraining() bool {
	return d.training
}

// Forward performs a forward pass through the dropout layer.
func (d *Dropout) Forward(x *mat.Dense) (*mat.Dense, Backprop) {
	if !d.training || d.p == 0 {
		return x, func(grad *mat.Dense) *mat.Dense { return grad }
	}

	rows, cols := x.Dims()
	scale := 1 / (1 - d.p)
	mask := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := mask.RawRowView(i)
		for j := range row {
			if d.rng.Float64() >= d.p {
				row[j] = scale
			}
		}
	}

	var y mat.Dense
	y.MulElem(x, mask)

	back := func(grad *mat.Dense) *mat.Dense {
		var dx mat.Dense
		dx.MulElem(grad, mask)
		return &dx
	}
	return &y, back
}

// Params returns nil: dropout has no learnable parameters.
func (d *Dropout) Params() []*Param {
	return nil
}

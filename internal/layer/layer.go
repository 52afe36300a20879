// Package layer provides neural network layer implementations.
//
// Every layer works on a single sample laid out as a [steps x channels]
// matrix. Forward returns the output together with a Backprop closure that
// remembers the input it was called with, so one layer can be applied several
// times inside a single forward pass (once per scale, once per channel...)
// and still be differentiated correctly.
package layer

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/activations"
)

// Backprop propagates the gradient of the loss w.r.t. a layer output back to
// its input. Parameter gradients are accumulated as a side effect.
type Backprop func(grad *mat.Dense) *mat.Dense

// Layer is a neural network layer.
type Layer interface {
	Forward(x *mat.Dense) (*mat.Dense, Backprop)
	Params() []*Param
}

// Param is a named trainable tensor stored flat, with its gradient buffer.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// NewParam allocates a zeroed parameter of n values.
func NewParam(name string, n int) *Param {
	return &Param{
		Name:  name,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// NumParams counts the scalar parameters in params.
func NumParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	return n
}

// Flatten returns all parameter values as one slice (copy).
func Flatten(params []*Param) []float64 {
	flat := make([]float64, 0, NumParams(params))
	for _, p := range params {
		flat = append(flat, p.Value...)
	}
	return flat
}

// FlattenGrads returns all parameter gradients as one slice (copy).
func FlattenGrads(params []*Param) []float64 {
	flat := make([]float64, 0, NumParams(params))
	for _, p := range params {
		flat = append(flat, p.Grad...)
	}
	return flat
}

// Load copies a flat slice back into params (in-place).
func Load(params []*Param, flat []float64) {
	if len(flat) != NumParams(params) {
		panic(fmt.Sprintf("Load: got %d values for %d parameters", len(flat), NumParams(params)))
	}
	offset := 0
	for _, p := range params {
		offset += copy(p.Value, flat[offset:offset+len(p.Value)])
	}
}

// ZeroGrads clears every gradient buffer.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Axis selects which dimension of a [steps x channels] sample a Linear mixes.
type Axis int

const (
	// Features mixes columns: y = x W^T + b.
	Features Axis = iota
	// Time mixes rows: y = W x + b, the bias broadcast along each row.
	Time
)

func (a Axis) String() string {
	if a == Time {
		return "time"
	}
	return "features"
}

// Linear is a fully connected layer applied along one axis of the sample.
type Linear struct {
	name    string
	axis    Axis
	inSize  int
	outSize int

	weight *Param // [out x in], row-major
	bias   *Param // nil when the layer has no bias
	w      *mat.Dense
}

// NewLinear creates a Linear layer with PyTorch's default initialisation,
// U(-1/sqrt(in), 1/sqrt(in)) for both weights and biases.
func NewLinear(name string, in, out int, axis Axis, withBias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		name:    name,
		axis:    axis,
		inSize:  in,
		outSize: out,
		weight:  NewParam(name+".weight", out*in),
	}
	bound := 1 / math.Sqrt(float64(in))
	for i := range l.weight.Value {
		l.weight.Value[i] = (rng.Float64()*2 - 1) * bound
	}
	if withBias {
		l.bias = NewParam(name+".bias", out)
		for i := range l.bias.Value {
			l.bias.Value[i] = (rng.Float64()*2 - 1) * bound
		}
	}
	l.w = mat.NewDense(out, in, l.weight.Value)
	return l
}

// Forward applies the layer.
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, Backprop) {
	if l.axis == Time {
		return l.forwardTime(x)
	}
	return l.forwardFeatures(x)
}

func (l *Linear) forwardFeatures(x *mat.Dense) (*mat.Dense, Backprop) {
	rows, cols := x.Dims()
	if cols != l.inSize {
		panic(fmt.Sprintf("Linear %s: input has %d features, want %d", l.name, cols, l.inSize))
	}

	y := mat.NewDense(rows, l.outSize, nil)
	y.Mul(x, l.w.T())
	if l.bias != nil {
		for i := 0; i < rows; i++ {
			floats.Add(y.RawRowView(i), l.bias.Value)
		}
	}

	back := func(grad *mat.Dense) *mat.Dense {
		// dW = grad^T x
		dw := mat.NewDense(l.outSize, l.inSize, nil)
		dw.Mul(grad.T(), x)
		floats.Add(l.weight.Grad, dw.RawMatrix().Data)
		if l.bias != nil {
			for i := 0; i < rows; i++ {
				floats.Add(l.bias.Grad, grad.RawRowView(i))
			}
		}
		dx := mat.NewDense(rows, l.inSize, nil)
		dx.Mul(grad, l.w)
		return dx
	}
	return y, back
}

func (l *Linear) forwardTime(x *mat.Dense) (*mat.Dense, Backprop) {
	rows, cols := x.Dims()
	if rows != l.inSize {
		panic(fmt.Sprintf("Linear %s: input has %d steps, want %d", l.name, rows, l.inSize))
	}

	y := mat.NewDense(l.outSize, cols, nil)
	y.Mul(l.w, x)
	if l.bias != nil {
		for o := 0; o < l.outSize; o++ {
			floats.AddConst(l.bias.Value[o], y.RawRowView(o))
		}
	}

	back := func(grad *mat.Dense) *mat.Dense {
		// dW = grad x^T
		dw := mat.NewDense(l.outSize, l.inSize, nil)
		dw.Mul(grad, x.T())
		floats.Add(l.weight.Grad, dw.RawMatrix().Data)
		if l.bias != nil {
			for o := 0; o < l.outSize; o++ {
				l.bias.Grad[o] += floats.Sum(grad.RawRowView(o))
			}
		}
		dx := mat.NewDense(l.inSize, cols, nil)
		dx.Mul(l.w.T(), grad)
		return dx
	}
	return y, back
}

// Params returns the weight and, when present, the bias.
func (l *Linear) Params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

// InSize returns the input size of the layer.
func (l *Linear) InSize() int {
	return l.inSize
}

// OutSize returns the output size of the layer.
func (l *Linear) OutSize() int {
	return l.outSize
}

// Axis returns the dimension the layer mixes.
func (l *Linear) Axis() Axis {
	return l.axis
}

// Weights returns a view over the weight matrix.
func (l *Linear) Weights() *mat.Dense {
	return l.w
}

// Activation applies an activation function elementwise.
type Activation struct {
	act activations.Activation
}

// NewActivation wraps act as a parameterless layer.
func NewActivation(act activations.Activation) *Activation {
	return &Activation{act: act}
}

// Forward computes act(x) elementwise.
func (a *Activation) Forward(x *mat.Dense) (*mat.Dense, Backprop) {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 { return a.act.Activate(v) }, x)

	back := func(grad *mat.Dense) *mat.Dense {
		var dx mat.Dense
		dx.Apply(func(i, j int, g float64) float64 { return g * a.act.Derivative(x.At(i, j)) }, grad)
		return &dx
	}
	return &y, back
}

// Params returns nil: activations have no learnable parameters.
func (a *Activation) Params() []*Param {
	return nil
}

// Sequential chains layers, feeding each output into the next layer.
type Sequential struct {
	layers []Layer
}

// NewSequential creates a chain of layers.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

// NewMLP builds Linear(in->hidden) -> act -> Linear(hidden->out) along axis.
func NewMLP(name string, in, hidden, out int, axis Axis, act activations.Activation, rng *rand.Rand) *Sequential {
	return NewSequential(
		NewLinear(name+".0", in, hidden, axis, true, rng),
		NewActivation(act),
		NewLinear(name+".2", hidden, out, axis, true, rng),
	)
}

// Forward runs every layer in order.
func (s *Sequential) Forward(x *mat.Dense) (*mat.Dense, Backprop) {
	backs := make([]Backprop, len(s.layers))
	curr := x
	for i, l := range s.layers {
		curr, backs[i] = l.Forward(curr)
	}

	back := func(grad *mat.Dense) *mat.Dense {
		g := grad
		for i := len(backs) - 1; i >= 0; i-- {
			g = backs[i](g)
		}
		return g
	}
	return curr, back
}

// Params returns the parameters of every layer in order.
func (s *Sequential) Params() []*Param {
	var params []*Param
	for _, l := range s.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// Layers returns the chained layers.
func (s *Sequential) Layers() []Layer {
	return s.layers
}

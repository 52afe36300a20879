// Package timemixer assembles the TimeMixer forecasting model and takes over
// its forward pass: optional non-stationary normalization, the multi-scale
// mixing backbone, projection to the target features and the masked loss.
package timemixer

import (
	"fmt"
	"io"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/layer"
	"github.com/FlavioCFOliveira/timemixer/internal/loss"
	"github.com/FlavioCFOliveira/timemixer/internal/mixer"
	"github.com/FlavioCFOliveira/timemixer/internal/norm"
)

// maskEps keeps a fully masked batch from dividing by zero.
const maskEps = 1e-12

// Inputs is one sample. Masks hold 1 for observed and 0 for missing values.
//
//	X, MissingMask:           [n_steps x n_features]
//	XPred, XPredMissingMask:  [n_pred_steps x n_pred_features], training only
type Inputs struct {
	X                *mat.Dense
	MissingMask      *mat.Dense
	XPred            *mat.Dense
	XPredMissingMask *mat.Dense
}

// Output is the result of a forward pass over a batch.
type Output struct {
	// Forecasts holds one [n_pred_steps x n_pred_features] matrix per sample.
	Forecasts []*mat.Dense
	// Loss is the batch masked MSE; zero outside training.
	Loss float64
	// MaskSum is the number of observed targets in the pass.
	MaskSum float64

	backs []layer.Backprop
	grads []*mat.Dense
}

// Backward accumulates the gradient of Loss into the model parameters.
func (o *Output) Backward() error {
	if o.backs == nil {
		return ErrNoLoss
	}
	for i, back := range o.backs {
		back(o.grads[i])
	}
	return nil
}

// Model is the TimeMixer forecaster.
type Model struct {
	cfg        Config
	backbone   *mixer.Backbone
	projection *layer.Linear
	params     []*layer.Param
	mse        loss.MaskedMSE
}

// New builds a model with weights seeded from cfg.Seed.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bc, err := cfg.backbone()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	backbone, err := mixer.New(bc, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	m := &Model{
		cfg:      cfg,
		backbone: backbone,
		// for the forecasting task the backbone output dim is n_features
		projection: layer.NewLinear("output_projection", cfg.NFeatures, cfg.NPredFeatures, layer.Features, true, rng),
	}
	m.params = append(backbone.Params(), m.projection.Params()...)
	return m, nil
}

// Replica builds an independent copy of m sharing no buffers, with the same
// weights and a different dropout seed.
func (m *Model) Replica(seed int64) (*Model, error) {
	cfg := m.cfg
	cfg.Seed = seed
	r, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.SetParams(m.Params())
	return r, nil
}

// Config returns the model hyperparameters.
func (m *Model) Config() Config {
	return m.cfg
}

// SetTraining toggles dropout.
func (m *Model) SetTraining(training bool) {
	m.backbone.SetTraining(training)
}

// Forward runs the model over a batch.
//
// In training mode XPred and XPredMissingMask are required and Loss is the
// masked MSE of the whole batch; call Output.Backward to accumulate its
// gradients. Outside training the targets are ignored and no loss is computed.
func (m *Model) Forward(batch []Inputs, training bool) (*Output, error) {
	if !training {
		return m.forwardBatch(batch, false, 0)
	}
	for i, in := range batch {
		if err := checkShape("X_pred_missing_mask", in.XPredMissingMask, m.cfg.NPredSteps, m.cfg.NPredFeatures); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return m.forwardBatch(batch, true, MaskDenominator(batch))
}

// ForwardShard runs a training pass over one shard of a larger batch. denom
// is the masked-MSE denominator of the whole batch, so the shard losses and
// gradients of all shards add up to those of the batch.
func (m *Model) ForwardShard(shard []Inputs, denom float64) (*Output, error) {
	if denom <= 0 {
		return nil, fmt.Errorf("%w: non-positive loss denominator %v", ErrShapeMismatch, denom)
	}
	return m.forwardBatch(shard, true, denom)
}

// MaskDenominator returns the masked-MSE denominator of a batch: the number
// of observed targets plus 1e-12.
func MaskDenominator(batch []Inputs) float64 {
	var sum float64
	for _, in := range batch {
		sum += floats.Sum(flat(in.XPredMissingMask))
	}
	return sum + maskEps
}

func (m *Model) forwardBatch(batch []Inputs, training bool, denom float64) (*Output, error) {
	for i, in := range batch {
		if err := m.check(in, training); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	m.SetTraining(training)
	out := &Output{Forecasts: make([]*mat.Dense, len(batch))}
	backs := make([]layer.Backprop, len(batch))
	for i, in := range batch {
		out.Forecasts[i], backs[i] = m.forward(in)
	}
	if !training {
		return out, nil
	}

	out.backs = backs
	out.grads = make([]*mat.Dense, len(batch))
	for i, in := range batch {
		pred, target, mask := flat(out.Forecasts[i]), flat(in.XPred), flat(in.XPredMissingMask)
		out.MaskSum += floats.Sum(mask)
		out.Loss += m.mse.Sum(pred, target, mask) / denom
		grad := make([]float64, len(pred))
		m.mse.BackwardInPlace(pred, target, mask, denom, grad)
		out.grads[i] = mat.NewDense(m.cfg.NPredSteps, m.cfg.NPredFeatures, grad)
	}
	return out, nil
}

// forward runs one sample through normalization, backbone and projection.
func (m *Model) forward(in Inputs) (*mat.Dense, layer.Backprop) {
	x := in.X
	var stats norm.Stats
	if m.cfg.ApplyNonstationaryNorm {
		x, stats = norm.Nonstationary(x, in.MissingMask)
	}

	enc, backboneBack := m.backbone.Forecast(x, in.MissingMask)
	if m.cfg.ApplyNonstationaryNorm {
		enc = norm.Denormalize(enc, stats)
	}

	// project back the original data space
	y, projBack := m.projection.Forward(enc)
	rows, _ := y.Dims()
	y = layer.LastRows(y, m.cfg.NPredSteps)

	back := func(grad *mat.Dense) *mat.Dense {
		g := grad
		if rows > m.cfg.NPredSteps {
			g = mat.NewDense(rows, m.cfg.NPredFeatures, nil)
			g.Slice(rows-m.cfg.NPredSteps, rows, 0, m.cfg.NPredFeatures).(*mat.Dense).Copy(grad)
		}
		g = projBack(g)
		if m.cfg.ApplyNonstationaryNorm {
			g = norm.DenormalizeBackward(g, stats)
		}
		return backboneBack(g)
	}
	return y, back
}

func (m *Model) check(in Inputs, training bool) error {
	if err := checkShape("X", in.X, m.cfg.NSteps, m.cfg.NFeatures); err != nil {
		return err
	}
	if err := checkShape("missing_mask", in.MissingMask, m.cfg.NSteps, m.cfg.NFeatures); err != nil {
		return err
	}
	if !training {
		return nil
	}
	if err := checkShape("X_pred", in.XPred, m.cfg.NPredSteps, m.cfg.NPredFeatures); err != nil {
		return err
	}
	return checkShape("X_pred_missing_mask", in.XPredMissingMask, m.cfg.NPredSteps, m.cfg.NPredFeatures)
}

func checkShape(name string, x *mat.Dense, rows, cols int) error {
	if x == nil {
		return fmt.Errorf("%w: %s is missing", ErrShapeMismatch, name)
	}
	if r, c := x.Dims(); r != rows || c != cols {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShapeMismatch, name, r, c, rows, cols)
	}
	return nil
}

// flat returns the row-major values of x, copying only when x is a strided view.
func flat(x *mat.Dense) []float64 {
	if x == nil {
		return nil
	}
	raw := x.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		out = append(out, x.RawRowView(i)...)
	}
	return out
}

// Params returns all model parameters flattened (copy).
func (m *Model) Params() []float64 {
	return layer.Flatten(m.params)
}

// SetParams updates all parameters from a flattened slice (in-place).
func (m *Model) SetParams(params []float64) {
	layer.Load(m.params, params)
}

// Gradients returns all accumulated gradients flattened (copy).
func (m *Model) Gradients() []float64 {
	return layer.FlattenGrads(m.params)
}

// ClearGradients zeroes every gradient buffer.
func (m *Model) ClearGradients() {
	layer.ZeroGrads(m.params)
}

// NumParams returns the number of trainable scalars.
func (m *Model) NumParams() int {
	return layer.NumParams(m.params)
}

// Parameters exposes the named parameters.
func (m *Model) Parameters() []*layer.Param {
	return m.params
}

// Summary prints a summary of the model parameters.
func (m *Model) Summary(w io.Writer) {
	fmt.Fprintln(w, "Model: TimeMixer")
	fmt.Fprintln(w, "_________________________________________________________________")
	fmt.Fprintf(w, "%-45s %-10s\n", "Parameter", "Param #")
	fmt.Fprintln(w, "=================================================================")
	for _, p := range m.params {
		fmt.Fprintf(w, "%-45s %-10d\n", p.Name, len(p.Value))
	}
	fmt.Fprintln(w, "=================================================================")
	fmt.Fprintf(w, "Scales: %v  Term: %s  Channel independence: %v\n",
		m.backbone.ScaleLengths(), m.cfg.Term, m.cfg.ChannelIndependence)
	fmt.Fprintf(w, "Total params: %d\n", m.NumParams())
	fmt.Fprintln(w, "_________________________________________________________________")
}

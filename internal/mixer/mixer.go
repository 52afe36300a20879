// Package mixer implements the TimeMixer backbone: multi-scale
// past-decomposable mixing followed by future multi-predictor mixing.
package mixer

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/activations"
	"github.com/FlavioCFOliveira/timemixer/internal/layer"
)

// Decomposition methods.
const (
	MovingAvg = "moving_avg"
	DFT       = "dft_decomp"
)

const revinEps = 1e-5

// ErrInvalidConfig is returned when the backbone cannot be built.
var ErrInvalidConfig = errors.New("mixer: invalid config")

// Config holds the backbone hyperparameters.
type Config struct {
	NSteps              int
	NFeatures           int
	NPredSteps          int
	NLayers             int
	DModel              int
	DFFN                int
	Dropout             float64
	TopK                int
	ChannelIndependence bool
	DecompMethod        string
	MovingAvg           int
	DownsamplingLayers  int
	DownsamplingWindow  int
	UseRevIN            bool
	Activation          activations.Activation
}

// ScaleLengths returns the series length at every scale, finest first.
func (c Config) ScaleLengths() []int {
	lengths := []int{c.NSteps}
	for i := 0; i < c.DownsamplingLayers; i++ {
		w := c.DownsamplingWindow
		if w < 1 {
			w = 1
		}
		lengths = append(lengths, lengths[i]/w)
	}
	return lengths
}

// Validate checks that the configuration describes a buildable backbone.
func (c Config) Validate() error {
	switch {
	case c.NSteps <= 0, c.NFeatures <= 0, c.NPredSteps <= 0:
		return fmt.Errorf("%w: n_steps, n_features and n_pred_steps must be positive", ErrInvalidConfig)
	case c.NLayers <= 0, c.DModel <= 0, c.DFFN <= 0:
		return fmt.Errorf("%w: n_layers, d_model and d_ffn must be positive", ErrInvalidConfig)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrInvalidConfig, c.Dropout)
	case c.DownsamplingLayers < 0:
		return fmt.Errorf("%w: downsampling_layers must not be negative", ErrInvalidConfig)
	case c.DownsamplingWindow < 1:
		return fmt.Errorf("%w: downsampling_window must be at least 1", ErrInvalidConfig)
	}
	switch c.DecompMethod {
	case MovingAvg:
		if c.MovingAvg <= 0 || c.MovingAvg%2 == 0 {
			return fmt.Errorf("%w: moving_avg must be odd and positive, got %d", ErrInvalidConfig, c.MovingAvg)
		}
	case DFT:
		if c.TopK <= 0 {
			return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidConfig, c.TopK)
		}
	default:
		return fmt.Errorf("%w: unknown decomp_method %q", ErrInvalidConfig, c.DecompMethod)
	}
	// The joint-channel path always pre-decomposes with a moving average.
	if !c.ChannelIndependence && (c.MovingAvg <= 0 || c.MovingAvg%2 == 0) {
		return fmt.Errorf("%w: moving_avg must be odd and positive, got %d", ErrInvalidConfig, c.MovingAvg)
	}
	lengths := c.ScaleLengths()
	if last := lengths[len(lengths)-1]; last < 1 {
		return fmt.Errorf("%w: n_steps %d too short for %d down-sampling layers of window %d",
			ErrInvalidConfig, c.NSteps, c.DownsamplingLayers, c.DownsamplingWindow)
	}
	return nil
}

// Backbone is the TimeMixer network. Forecast maps an [n_steps x n_features]
// history to an [n_pred_steps x n_features] forecast.
type Backbone struct {
	cfg     Config
	lengths []int

	revin      []*layer.RevIN
	preprocess *layer.MovingAvgDecomp
	embed      *layer.TokenEmbedding
	maskEmbed  *layer.Linear
	dropout    *layer.Dropout
	blocks     []*pastMixing

	predict    []*layer.Linear
	projection *layer.Linear
	outRes     []*layer.Linear
	regression []*layer.Linear
}

// New builds a backbone with weights drawn from rng.
func New(cfg Config, rng *rand.Rand) (*Backbone, error) {
	if cfg.Activation == nil {
		cfg.Activation = activations.GELU{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Backbone{cfg: cfg, lengths: cfg.ScaleLengths()}

	if cfg.UseRevIN {
		for i := range b.lengths {
			b.revin = append(b.revin, layer.NewRevIN(fmt.Sprintf("normalize_layers.%d", i), cfg.NFeatures, revinEps, true))
		}
	}

	channels := cfg.NFeatures
	if cfg.ChannelIndependence {
		channels = 1
	} else {
		b.preprocess = layer.NewMovingAvgDecomp(cfg.MovingAvg)
	}
	b.embed = layer.NewTokenEmbedding(channels, cfg.DModel, rng)
	b.maskEmbed = layer.NewLinear("mask_embedding", channels, cfg.DModel, layer.Features, false, rng)
	b.dropout = layer.NewDropout(cfg.Dropout, rand.New(rand.NewSource(rng.Int63())))

	var decomp layer.Decomposer
	if cfg.DecompMethod == DFT {
		decomp = layer.NewDFTDecomp(cfg.TopK)
	} else {
		decomp = layer.NewMovingAvgDecomp(cfg.MovingAvg)
	}
	for i := 0; i < cfg.NLayers; i++ {
		b.blocks = append(b.blocks, newPastMixing(cfg, b.lengths, decomp, rng, fmt.Sprintf("pdm_blocks.%d", i)))
	}

	for i, n := range b.lengths {
		b.predict = append(b.predict, layer.NewLinear(fmt.Sprintf("predict_layers.%d", i), n, cfg.NPredSteps, layer.Time, true, rng))
	}
	b.projection = layer.NewLinear("projection_layer", cfg.DModel, channels, layer.Features, true, rng)
	if !cfg.ChannelIndependence {
		for i, n := range b.lengths {
			b.outRes = append(b.outRes, layer.NewLinear(fmt.Sprintf("out_res_layers.%d", i), n, n, layer.Time, true, rng))
			b.regression = append(b.regression, layer.NewLinear(fmt.Sprintf("regression_layers.%d", i), n, cfg.NPredSteps, layer.Time, true, rng))
		}
	}
	return b, nil
}

// Config returns the configuration the backbone was built with.
func (b *Backbone) Config() Config {
	return b.cfg
}

// ScaleLengths returns the series length at every scale.
func (b *Backbone) ScaleLengths() []int {
	return b.lengths
}

// SetTraining toggles dropout.
func (b *Backbone) SetTraining(training bool) {
	b.dropout.SetTraining(training)
}

// Params returns every trainable parameter in a stable order.
func (b *Backbone) Params() []*layer.Param {
	var params []*layer.Param
	for _, r := range b.revin {
		params = append(params, r.Params()...)
	}
	params = append(params, b.embed.Params()...)
	params = append(params, b.maskEmbed.Params()...)
	for _, blk := range b.blocks {
		params = append(params, blk.params()...)
	}
	for _, p := range b.predict {
		params = append(params, p.Params()...)
	}
	params = append(params, b.projection.Params()...)
	for i := range b.outRes {
		params = append(params, b.outRes[i].Params()...)
		params = append(params, b.regression[i].Params()...)
	}
	return params
}

// encodeBackprop returns the gradients w.r.t. the per-scale inputs of encode
// and, on the joint-channel path, w.r.t. the per-scale trend residuals.
type encodeBackprop func(grad *mat.Dense) (dx, dResidual []*mat.Dense)

// encode embeds one multi-scale stream, runs the mixing blocks and sums the
// per-scale predictions. residual is nil under channel independence.
func (b *Backbone) encode(xs, masks, residual []*mat.Dense) (*mat.Dense, encodeBackprop) {
	n := len(xs)
	enc := make([]*mat.Dense, n)
	embedBacks := make([]layer.Backprop, n)
	for i := range xs {
		tok, tokBack := b.embed.Forward(xs[i])
		mk, mkBack := b.maskEmbed.Forward(masks[i])
		e, dropBack := b.dropout.Forward(add(tok, mk))
		enc[i] = e
		embedBacks[i] = func(grad *mat.Dense) *mat.Dense {
			g := dropBack(grad)
			mkBack(g)
			return tokBack(g)
		}
	}

	blockBacks := make([]listBackprop, len(b.blocks))
	for k, blk := range b.blocks {
		enc, blockBacks[k] = blk.forward(enc)
	}

	var total *mat.Dense
	predBacks := make([]layer.Backprop, n)
	resBacks := make([]layer.Backprop, n)
	for i := range enc {
		dec, predBack := b.predict[i].Forward(enc[i])
		out, projBack := b.projection.Forward(dec)
		predBacks[i] = func(grad *mat.Dense) *mat.Dense {
			return predBack(projBack(grad))
		}
		if residual != nil {
			r, outResBack := b.outRes[i].Forward(residual[i])
			r, regBack := b.regression[i].Forward(r)
			out = add(out, r)
			resBacks[i] = func(grad *mat.Dense) *mat.Dense {
				return outResBack(regBack(grad))
			}
		}
		if total == nil {
			total = out
		} else {
			total = add(total, out)
		}
	}

	back := func(grad *mat.Dense) ([]*mat.Dense, []*mat.Dense) {
		dEnc := make([]*mat.Dense, n)
		var dRes []*mat.Dense
		if residual != nil {
			dRes = make([]*mat.Dense, n)
		}
		for i := 0; i < n; i++ {
			dEnc[i] = predBacks[i](grad)
			if residual != nil {
				dRes[i] = resBacks[i](grad)
			}
		}
		for k := len(blockBacks) - 1; k >= 0; k-- {
			dEnc = blockBacks[k](dEnc)
		}
		dx := make([]*mat.Dense, n)
		for i := range dEnc {
			dx[i] = embedBacks[i](dEnc[i])
		}
		return dx, dRes
	}
	return total, back
}

// Forecast runs the backbone on one sample. mask has the shape of x, with 1
// for observed and 0 for missing values. The returned Backprop accumulates
// parameter gradients and yields the gradient w.r.t. x, treating all
// normalization statistics as constants.
func (b *Backbone) Forecast(x, mask *mat.Dense) (*mat.Dense, layer.Backprop) {
	rows, cols := x.Dims()
	if rows != b.cfg.NSteps || cols != b.cfg.NFeatures {
		panic(fmt.Sprintf("Backbone: input is %dx%d, want %dx%d", rows, cols, b.cfg.NSteps, b.cfg.NFeatures))
	}
	nScales := len(b.lengths)
	w := b.cfg.DownsamplingWindow

	scales := []*mat.Dense{x}
	masks := []*mat.Dense{mask}
	for i := 1; i < nScales; i++ {
		scales = append(scales, layer.AvgPool(scales[i-1], w))
		masks = append(masks, layer.Subsample(masks[i-1], w))
	}

	normed := make([]*mat.Dense, nScales)
	normBacks := make([]layer.Backprop, nScales)
	var stats layer.Stats
	for i, s := range scales {
		if b.revin == nil {
			normed[i] = s
			continue
		}
		var st layer.Stats
		normed[i], st, normBacks[i] = b.revin[i].Normalize(s)
		if i == 0 {
			stats = st
		}
	}

	var (
		y          *mat.Dense
		backColumn []encodeBackprop
		backJoint  encodeBackprop
		preBacks   []layer.DecompBackprop
	)
	if b.cfg.ChannelIndependence {
		outs := make([]*mat.Dense, b.cfg.NFeatures)
		backColumn = make([]encodeBackprop, b.cfg.NFeatures)
		for c := 0; c < b.cfg.NFeatures; c++ {
			xs := make([]*mat.Dense, nScales)
			ms := make([]*mat.Dense, nScales)
			for i := range normed {
				xs[i] = layer.Column(normed[i], c)
				ms[i] = layer.Column(masks[i], c)
			}
			outs[c], backColumn[c] = b.encode(xs, ms, nil)
		}
		y = layer.Stack(outs)
	} else {
		seasons := make([]*mat.Dense, nScales)
		trends := make([]*mat.Dense, nScales)
		preBacks = make([]layer.DecompBackprop, nScales)
		for i := range normed {
			seasons[i], trends[i], preBacks[i] = b.preprocess.Decompose(normed[i])
		}
		y, backJoint = b.encode(seasons, masks, trends)
	}

	var denormBack layer.Backprop
	if b.revin != nil {
		y, denormBack = b.revin[0].Denormalize(y, stats)
	}

	back := func(grad *mat.Dense) *mat.Dense {
		g := grad
		if denormBack != nil {
			g = denormBack(g)
		}

		dNormed := make([]*mat.Dense, nScales)
		if b.cfg.ChannelIndependence {
			for i, n := range b.lengths {
				dNormed[i] = mat.NewDense(n, b.cfg.NFeatures, nil)
			}
			for c, colBack := range backColumn {
				dx, _ := colBack(layer.Column(g, c))
				for i := range dx {
					dNormed[i].SetCol(c, mat.Col(nil, 0, dx[i]))
				}
			}
		} else {
			dSeason, dTrend := backJoint(g)
			for i := range dNormed {
				dNormed[i] = preBacks[i](dSeason[i], dTrend[i])
			}
		}

		dScales := dNormed
		if b.revin != nil {
			for i := range dNormed {
				dScales[i] = normBacks[i](dNormed[i])
			}
		}
		for i := nScales - 1; i > 0; i-- {
			dScales[i-1] = add(dScales[i-1], layer.AvgPoolBackward(dScales[i], w, b.lengths[i-1]))
		}
		return dScales[0]
	}
	return y, back
}

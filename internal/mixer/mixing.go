package mixer

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/activations"
	"github.com/FlavioCFOliveira/timemixer/internal/layer"
)

// listBackprop maps per-scale output gradients to per-scale input gradients.
type listBackprop func(grads []*mat.Dense) []*mat.Dense

func add(a, b *mat.Dense) *mat.Dense {
	var s mat.Dense
	s.Add(a, b)
	return &s
}

// seasonMixing mixes seasonal components bottom-up: each coarser scale
// receives a down-sampled copy of the finer, already mixed one.
//
//	out[0] = s[0]
//	out[i+1] = s[i+1] + down[i](out[i])
type seasonMixing struct {
	down []*layer.Sequential
}

func newSeasonMixing(lengths []int, act activations.Activation, rng *rand.Rand, name string) *seasonMixing {
	m := &seasonMixing{}
	for i := 0; i+1 < len(lengths); i++ {
		m.down = append(m.down, layer.NewMLP(fmt.Sprintf("%s.down.%d", name, i), lengths[i], lengths[i+1], lengths[i+1], layer.Time, act, rng))
	}
	return m
}

func (m *seasonMixing) forward(seasons []*mat.Dense) ([]*mat.Dense, listBackprop) {
	out := make([]*mat.Dense, len(seasons))
	backs := make([]layer.Backprop, len(m.down))
	out[0] = seasons[0]
	for i, down := range m.down {
		res, back := down.Forward(out[i])
		backs[i] = back
		out[i+1] = add(seasons[i+1], res)
	}

	back := func(grads []*mat.Dense) []*mat.Dense {
		g := make([]*mat.Dense, len(grads))
		last := len(grads) - 1
		g[last] = grads[last]
		for i := last - 1; i >= 0; i-- {
			g[i] = add(grads[i], backs[i](g[i+1]))
		}
		return g
	}
	return out, back
}

func (m *seasonMixing) params() []*layer.Param {
	var params []*layer.Param
	for _, d := range m.down {
		params = append(params, d.Params()...)
	}
	return params
}

// trendMixing mixes trend components top-down: each finer scale receives an
// up-sampled copy of the coarser, already mixed one.
//
//	out[L] = t[L]
//	out[i] = t[i] + up[i](out[i+1])
type trendMixing struct {
	up []*layer.Sequential
}

func newTrendMixing(lengths []int, act activations.Activation, rng *rand.Rand, name string) *trendMixing {
	m := &trendMixing{up: make([]*layer.Sequential, len(lengths)-1)}
	for i := len(lengths) - 2; i >= 0; i-- {
		m.up[i] = layer.NewMLP(fmt.Sprintf("%s.up.%d", name, i), lengths[i+1], lengths[i], lengths[i], layer.Time, act, rng)
	}
	return m
}

func (m *trendMixing) forward(trends []*mat.Dense) ([]*mat.Dense, listBackprop) {
	last := len(trends) - 1
	out := make([]*mat.Dense, len(trends))
	backs := make([]layer.Backprop, len(m.up))
	out[last] = trends[last]
	for i := last - 1; i >= 0; i-- {
		res, back := m.up[i].Forward(out[i+1])
		backs[i] = back
		out[i] = add(trends[i], res)
	}

	back := func(grads []*mat.Dense) []*mat.Dense {
		g := make([]*mat.Dense, len(grads))
		g[0] = grads[0]
		for i := 0; i < last; i++ {
			g[i+1] = add(grads[i+1], backs[i](g[i]))
		}
		return g
	}
	return out, back
}

func (m *trendMixing) params() []*layer.Param {
	var params []*layer.Param
	for i := len(m.up) - 1; i >= 0; i-- {
		params = append(params, m.up[i].Params()...)
	}
	return params
}

// pastMixing is one past-decomposable-mixing block: decompose every scale,
// mix seasons bottom-up and trends top-down, then recombine.
type pastMixing struct {
	channelIndependence bool

	decomp   layer.Decomposer
	cross    *layer.Sequential // joint channels only
	outCross *layer.Sequential // channel independence only
	season   *seasonMixing
	trend    *trendMixing
}

func newPastMixing(cfg Config, lengths []int, decomp layer.Decomposer, rng *rand.Rand, name string) *pastMixing {
	p := &pastMixing{
		channelIndependence: cfg.ChannelIndependence,
		decomp:              decomp,
	}
	if !cfg.ChannelIndependence {
		p.cross = layer.NewMLP(name+".cross_layer", cfg.DModel, cfg.DFFN, cfg.DModel, layer.Features, cfg.Activation, rng)
	}
	p.season = newSeasonMixing(lengths, cfg.Activation, rng, name+".season")
	p.trend = newTrendMixing(lengths, cfg.Activation, rng, name+".trend")
	if cfg.ChannelIndependence {
		p.outCross = layer.NewMLP(name+".out_cross_layer", cfg.DModel, cfg.DFFN, cfg.DModel, layer.Features, cfg.Activation, rng)
	}
	return p
}

func (p *pastMixing) forward(xs []*mat.Dense) ([]*mat.Dense, listBackprop) {
	n := len(xs)
	seasons := make([]*mat.Dense, n)
	trends := make([]*mat.Dense, n)
	decompBacks := make([]layer.DecompBackprop, n)
	seasonCross := make([]layer.Backprop, n)
	trendCross := make([]layer.Backprop, n)
	for i, x := range xs {
		seasons[i], trends[i], decompBacks[i] = p.decomp.Decompose(x)
		if p.cross != nil {
			seasons[i], seasonCross[i] = p.cross.Forward(seasons[i])
			trends[i], trendCross[i] = p.cross.Forward(trends[i])
		}
	}

	outSeason, seasonBack := p.season.forward(seasons)
	outTrend, trendBack := p.trend.forward(trends)

	out := make([]*mat.Dense, n)
	outBacks := make([]layer.Backprop, n)
	for i := range xs {
		out[i] = add(outSeason[i], outTrend[i])
		if p.outCross != nil {
			mixed, back := p.outCross.Forward(out[i])
			outBacks[i] = back
			out[i] = add(xs[i], mixed)
		}
	}

	back := func(grads []*mat.Dense) []*mat.Dense {
		dSum := make([]*mat.Dense, n)
		for i, g := range grads {
			dSum[i] = g
			if outBacks[i] != nil {
				dSum[i] = outBacks[i](g)
			}
		}
		dSeasons := seasonBack(dSum)
		dTrends := trendBack(dSum)

		dx := make([]*mat.Dense, n)
		for i := range xs {
			ds, dt := dSeasons[i], dTrends[i]
			if p.cross != nil {
				ds = seasonCross[i](ds)
				dt = trendCross[i](dt)
			}
			dx[i] = decompBacks[i](ds, dt)
			if p.outCross != nil {
				dx[i] = add(dx[i], grads[i])
			}
		}
		return dx
	}
	return out, back
}

func (p *pastMixing) params() []*layer.Param {
	var params []*layer.Param
	if p.cross != nil {
		params = append(params, p.cross.Params()...)
	}
	params = append(params, p.season.params()...)
	params = append(params, p.trend.params()...)
	if p.outCross != nil {
		params = append(params, p.outCross.Params()...)
	}
	return params
}

package mixer_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/gradcheck"
	"github.com/FlavioCFOliveira/timemixer/internal/layer"
	"github.com/FlavioCFOliveira/timemixer/internal/mixer"
)

func baseConfig() mixer.Config {
	return mixer.Config{
		NSteps:             8,
		NFeatures:          2,
		NPredSteps:         3,
		NLayers:            2,
		DModel:             4,
		DFFN:               6,
		TopK:               2,
		DecompMethod:       mixer.MovingAvg,
		MovingAvg:          3,
		DownsamplingLayers: 2,
		DownsamplingWindow: 2,
		UseRevIN:           true,
	}
}

func ones(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, 1)
		}
	}
	return m
}

func TestScaleLengths(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, []int{8, 4, 2}, cfg.ScaleLengths())

	cfg.NSteps = 9
	cfg.DownsamplingWindow = 3
	assert.Equal(t, []int{9, 3, 1}, cfg.ScaleLengths())

	cfg.DownsamplingLayers = 0
	assert.Equal(t, []int{9}, cfg.ScaleLengths())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*mixer.Config)
	}{
		{"zero steps", func(c *mixer.Config) { c.NSteps = 0 }},
		{"zero d_model", func(c *mixer.Config) { c.DModel = 0 }},
		{"dropout one", func(c *mixer.Config) { c.Dropout = 1 }},
		{"negative layers", func(c *mixer.Config) { c.DownsamplingLayers = -1 }},
		{"zero window", func(c *mixer.Config) { c.DownsamplingWindow = 0 }},
		{"even moving_avg", func(c *mixer.Config) { c.MovingAvg = 4 }},
		{"unknown decomp", func(c *mixer.Config) { c.DecompMethod = "wavelet" }},
		{"dft without top_k", func(c *mixer.Config) { c.DecompMethod = mixer.DFT; c.TopK = 0 }},
		{"joint dft with even moving_avg", func(c *mixer.Config) { c.DecompMethod = mixer.DFT; c.MovingAvg = 2 }},
		{"too many scales", func(c *mixer.Config) { c.DownsamplingLayers = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, mixer.ErrInvalidConfig))

			_, err = mixer.New(cfg, rand.New(rand.NewSource(1)))
			assert.Error(t, err)
		})
	}
	assert.NoError(t, baseConfig().Validate())
}

func TestForecastShapes(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*mixer.Config)
	}{
		{"joint moving_avg", func(c *mixer.Config) {}},
		{"channel independence", func(c *mixer.Config) { c.ChannelIndependence = true }},
		{"dft", func(c *mixer.Config) { c.DecompMethod = mixer.DFT }},
		{"single scale", func(c *mixer.Config) { c.DownsamplingLayers = 0 }},
		{"no revin", func(c *mixer.Config) { c.UseRevIN = false }},
		{"odd length", func(c *mixer.Config) { c.NSteps = 11 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.modify(&cfg)
			b, err := mixer.New(cfg, rand.New(rand.NewSource(1)))
			require.NoError(t, err)

			y, back := b.Forecast(gradcheck.RandomMatrix(cfg.NSteps, cfg.NFeatures, 2), ones(cfg.NSteps, cfg.NFeatures))
			r, c := y.Dims()
			assert.Equal(t, [2]int{cfg.NPredSteps, cfg.NFeatures}, [2]int{r, c})

			dx := back(ones(cfg.NPredSteps, cfg.NFeatures))
			r, c = dx.Dims()
			assert.Equal(t, [2]int{cfg.NSteps, cfg.NFeatures}, [2]int{r, c})
		})
	}
}

func TestForecastPanicsOnShape(t *testing.T) {
	b, err := mixer.New(baseConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Panics(t, func() { b.Forecast(mat.NewDense(7, 2, nil), mat.NewDense(7, 2, nil)) })
}

func TestParamNamesUnique(t *testing.T) {
	for _, ci := range []bool{false, true} {
		cfg := baseConfig()
		cfg.ChannelIndependence = ci
		b, err := mixer.New(cfg, rand.New(rand.NewSource(1)))
		require.NoError(t, err)

		seen := map[string]bool{}
		for _, p := range b.Params() {
			assert.False(t, seen[p.Name], "duplicate parameter %s", p.Name)
			seen[p.Name] = true
		}
		assert.Equal(t, ci, !seen["out_res_layers.0.weight"])
		assert.Equal(t, ci, seen["pdm_blocks.0.out_cross_layer.0.weight"])
		assert.Equal(t, !ci, seen["pdm_blocks.0.cross_layer.0.weight"])
	}
}

// TestChannelIndependencePermutes checks that columns share weights: swapping
// the input columns swaps the forecast columns.
func TestChannelIndependencePermutes(t *testing.T) {
	cfg := baseConfig()
	cfg.ChannelIndependence = true
	cfg.UseRevIN = false
	b, err := mixer.New(cfg, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	x := gradcheck.RandomMatrix(cfg.NSteps, 2, 4)
	swapped := layer.Stack([]*mat.Dense{layer.Column(x, 1), layer.Column(x, 0)})
	mask := ones(cfg.NSteps, 2)

	y, _ := b.Forecast(x, mask)
	ys, _ := b.Forecast(swapped, mask)
	assert.True(t, mat.EqualApprox(layer.Column(y, 0), layer.Column(ys, 1), 1e-12))
	assert.True(t, mat.EqualApprox(layer.Column(y, 1), layer.Column(ys, 0), 1e-12))
}

func TestDropoutOnlyInTraining(t *testing.T) {
	cfg := baseConfig()
	cfg.Dropout = 0.5
	b, err := mixer.New(cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	x, mask := gradcheck.RandomMatrix(cfg.NSteps, 2, 6), ones(cfg.NSteps, 2)
	a, _ := b.Forecast(x, mask)
	c, _ := b.Forecast(x, mask)
	assert.True(t, mat.Equal(a, c), "eval mode is deterministic")

	b.SetTraining(true)
	d, _ := b.Forecast(x, mask)
	assert.False(t, mat.Equal(a, d))
}

func TestForecastGradients(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*mixer.Config)
		checkInput bool
	}{
		{"joint", func(c *mixer.Config) {}, false},
		{"channel independence", func(c *mixer.Config) { c.ChannelIndependence = true }, false},
		{"joint no revin", func(c *mixer.Config) { c.UseRevIN = false }, true},
		{"channel independence no revin", func(c *mixer.Config) {
			c.ChannelIndependence = true
			c.UseRevIN = false
		}, true},
		{"single scale", func(c *mixer.Config) { c.DownsamplingLayers = 0; c.NLayers = 1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.modify(&cfg)
			cfg.Activation = nil
			b, err := mixer.New(cfg, rand.New(rand.NewSource(9)))
			require.NoError(t, err)

			mask := ones(cfg.NSteps, cfg.NFeatures)
			mask.Set(2, 1, 0)
			f := func(x *mat.Dense) (*mat.Dense, layer.Backprop) { return b.Forecast(x, mask) }
			gradcheck.Check(t, f, gradcheck.RandomMatrix(cfg.NSteps, cfg.NFeatures, 10), b.Params(), tt.checkInput)
		})
	}
}

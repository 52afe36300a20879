package timemixer

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/gradcheck"
)

func testConfig() Config {
	cfg := DefaultConfig(12, 3, 4, 2)
	cfg.NLayers = 1
	cfg.DModel = 4
	cfg.DFFN = 6
	cfg.MovingAvg = 3
	cfg.DownsamplingLayers = 2
	return cfg
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

func makeBatch(cfg Config, n int) []Inputs {
	batch := make([]Inputs, n)
	for i := range batch {
		mask := ones(cfg.NSteps, cfg.NFeatures)
		mask.Set(i%cfg.NSteps, 0, 0)
		predMask := ones(cfg.NPredSteps, cfg.NPredFeatures)
		predMask.Set(0, i%cfg.NPredFeatures, 0)
		batch[i] = Inputs{
			X:                gradcheck.RandomMatrix(cfg.NSteps, cfg.NFeatures, int64(10+i)),
			MissingMask:      mask,
			XPred:            gradcheck.RandomMatrix(cfg.NPredSteps, cfg.NPredFeatures, int64(20+i)),
			XPredMissingMask: predMask,
		}
	}
	return batch
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"term", func(c *Config) { c.Term = "medium" }},
		{"n_pred_features", func(c *Config) { c.NPredFeatures = 0 }},
		{"activation", func(c *Config) { c.Activation = "softmax" }},
		{"decomp_method", func(c *Config) { c.DecompMethod = "stl" }},
		{"moving_avg", func(c *Config) { c.MovingAvg = 2 }},
		{"too short", func(c *Config) { c.NSteps = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
			_, err := New(cfg)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}

	cfg := testConfig()
	cfg.Term = TermLong
	assert.NoError(t, cfg.Validate())
}

func TestForwardEval(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"default", func(c *Config) {}},
		{"nonstationary norm", func(c *Config) { c.ApplyNonstationaryNorm = true }},
		{"channel independence", func(c *Config) { c.ChannelIndependence = true }},
		{"dft", func(c *Config) { c.DecompMethod = "dft_decomp"; c.TopK = 2 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.modify(&cfg)
			m, err := New(cfg)
			require.NoError(t, err)

			batch := makeBatch(cfg, 3)
			for i := range batch {
				batch[i].XPred, batch[i].XPredMissingMask = nil, nil
			}
			out, err := m.Forward(batch, false)
			require.NoError(t, err)
			require.Len(t, out.Forecasts, 3)
			for _, f := range out.Forecasts {
				r, c := f.Dims()
				assert.Equal(t, [2]int{cfg.NPredSteps, cfg.NPredFeatures}, [2]int{r, c})
			}
			assert.Zero(t, out.Loss)
			assert.True(t, errors.Is(out.Backward(), ErrNoLoss))
		})
	}
}

func TestForwardShapeErrors(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg)
	require.NoError(t, err)

	tests := []struct {
		name     string
		modify   func(*Inputs)
		training bool
	}{
		{"X rows", func(in *Inputs) { in.X = mat.NewDense(cfg.NSteps-1, cfg.NFeatures, nil) }, false},
		{"mask missing", func(in *Inputs) { in.MissingMask = nil }, false},
		{"X_pred missing", func(in *Inputs) { in.XPred = nil }, true},
		{"X_pred_missing_mask cols", func(in *Inputs) { in.XPredMissingMask = mat.NewDense(cfg.NPredSteps, 1, nil) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := makeBatch(cfg, 2)
			tt.modify(&batch[1])
			_, err := m.Forward(batch, tt.training)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrShapeMismatch))
			assert.Contains(t, err.Error(), "sample 1")
		})
	}

	_, err = m.ForwardShard(makeBatch(cfg, 1), 0)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

// TestForwardTrainingLoss checks the loss against a masked MSE computed from
// the eval-mode forecasts over the whole batch.
func TestForwardTrainingLoss(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	batch := makeBatch(cfg, 3)

	out, err := m.Forward(batch, true)
	require.NoError(t, err)

	var num, den float64
	for i, in := range batch {
		for r := 0; r < cfg.NPredSteps; r++ {
			for c := 0; c < cfg.NPredFeatures; c++ {
				d := out.Forecasts[i].At(r, c) - in.XPred.At(r, c)
				num += d * d * in.XPredMissingMask.At(r, c)
				den += in.XPredMissingMask.At(r, c)
			}
		}
	}
	assert.InDelta(t, num/(den+1e-12), out.Loss, 1e-12)
	assert.Equal(t, den, out.MaskSum)
	assert.InDelta(t, den+1e-12, MaskDenominator(batch), 1e-15)
}

func TestForwardFullyMaskedTargets(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	batch := makeBatch(cfg, 2)
	for i := range batch {
		batch[i].XPredMissingMask = mat.NewDense(cfg.NPredSteps, cfg.NPredFeatures, nil)
	}

	out, err := m.Forward(batch, true)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(out.Loss))
	assert.Zero(t, out.Loss)
	require.NoError(t, out.Backward())
	for _, g := range m.Gradients() {
		assert.Zero(t, g)
	}
}

// TestShardsAddUp checks that shard losses and gradients computed against the
// batch denominator add up to the full batch.
func TestShardsAddUp(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	batch := makeBatch(cfg, 4)

	full, err := m.Forward(batch, true)
	require.NoError(t, err)
	require.NoError(t, full.Backward())
	want := m.Gradients()

	m.ClearGradients()
	denom := MaskDenominator(batch)
	var loss float64
	for _, shard := range [][]Inputs{batch[:1], batch[1:]} {
		out, err := m.ForwardShard(shard, denom)
		require.NoError(t, err)
		require.NoError(t, out.Backward())
		loss += out.Loss
	}
	assert.InDelta(t, full.Loss, loss, 1e-12)
	assert.InDeltaSlice(t, want, m.Gradients(), 1e-10)
}

// TestModelGradients compares Output.Backward with finite differences of
// the batch loss, with and without the non-stationary normalization.
func TestModelGradients(t *testing.T) {
	for _, nsn := range []bool{false, true} {
		cfg := testConfig()
		cfg.ApplyNonstationaryNorm = nsn
		m, err := New(cfg)
		require.NoError(t, err)
		batch := makeBatch(cfg, 2)

		m.ClearGradients()
		out, err := m.Forward(batch, true)
		require.NoError(t, err)
		require.NoError(t, out.Backward())

		lossAt := func() float64 {
			o, err := m.Forward(batch, true)
			require.NoError(t, err)
			return o.Loss
		}
		const h = 1e-5
		for _, p := range m.Parameters() {
			for k := range p.Value {
				orig := p.Value[k]
				p.Value[k] = orig + h
				plus := lossAt()
				p.Value[k] = orig - h
				minus := lossAt()
				p.Value[k] = orig
				want := (plus - minus) / (2 * h)
				assert.InDeltaf(t, want, p.Grad[k], 1e-6*(1+math.Abs(want)), "nsn=%v %s[%d]", nsn, p.Name, k)
			}
		}
	}
}

func TestReplicaMatches(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	r, err := m.Replica(99)
	require.NoError(t, err)

	assert.Equal(t, m.Params(), r.Params())
	assert.Equal(t, int64(99), r.Config().Seed)

	batch := makeBatch(cfg, 1)
	a, err := m.Forward(batch, false)
	require.NoError(t, err)
	b, err := r.Forward(batch, false)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a.Forecasts[0], b.Forecasts[0]))
}

func TestSeedDeterminism(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	b, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Params(), b.Params())

	cfg := testConfig()
	cfg.Seed = 7
	c, err := New(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Params(), c.Params())
}

func TestSummary(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)
	var buf bytes.Buffer
	m.Summary(&buf)
	assert.Contains(t, buf.String(), "output_projection.weight")
	assert.Contains(t, buf.String(), "Total params:")
}

func TestSaveLoad(t *testing.T) {
	cfg := testConfig()
	cfg.ApplyNonstationaryNorm = true
	m, err := New(cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	saved := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, Save(&buf, m, Meta{RunID: "run", Epoch: 3, BestLoss: 0.5, SavedAt: saved}))

	loaded, meta, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded.Config())
	assert.Equal(t, m.Params(), loaded.Params())
	assert.Equal(t, "run", meta.RunID)
	assert.Equal(t, 3, meta.Epoch)
	assert.True(t, saved.Equal(meta.SavedAt))

	batch := makeBatch(cfg, 1)
	a, err := m.Forward(batch, false)
	require.NoError(t, err)
	b, err := loaded.Forward(batch, false)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a.Forecasts[0], b.Forecasts[0]))
}

func TestSaveLoadFile(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.gob")

	require.NoError(t, SaveFile(path, m, Meta{}))
	loaded, meta, err := LoadFile(path)
	require.NoError(t, err)
	assert.False(t, meta.SavedAt.IsZero())
	assert.Equal(t, m.NumParams(), loaded.NumParams())

	_, _, err = LoadFile(filepath.Join(t.TempDir(), "nope.gob"))
	assert.Error(t, err)
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, _, err := Load(strings.NewReader("not a model"))
	assert.Error(t, err)
}

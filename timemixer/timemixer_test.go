package timemixer_test

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/timemixer"
)

func TestEndToEnd(t *testing.T) {
	const steps = 60
	values := mat.NewDense(steps, 2, nil)
	mask := mat.NewDense(steps, 2, nil)
	for i := 0; i < steps; i++ {
		values.Set(i, 0, math.Sin(float64(i)/3))
		values.Set(i, 1, float64(i%5))
		mask.Set(i, 0, 1)
		mask.Set(i, 1, 1)
	}
	ds, err := timemixer.Windows(&timemixer.Series{Names: []string{"a", "b"}, Values: values, Mask: mask}, 16, 4, 2, []int{0})
	require.NoError(t, err)

	cfg := timemixer.DefaultConfig(16, 2, 4, 1)
	cfg.DModel, cfg.DFFN, cfg.NLayers, cfg.DownsamplingLayers, cfg.MovingAvg = 4, 8, 1, 2, 3
	m, err := timemixer.New(cfg)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	tr := timemixer.NewTrainer(m, timemixer.Adam(1e-2), logger)
	tr.Epochs = 3
	tr.Callbacks = []timemixer.Callback{timemixer.Logger(1)}

	hist, err := tr.Fit(context.Background(), ds, nil)
	require.NoError(t, err)
	assert.Len(t, hist.Epochs, 3)

	path := filepath.Join(t.TempDir(), "m.gob")
	require.NoError(t, timemixer.SaveFile(path, m, timemixer.Meta{RunID: hist.RunID}))
	loaded, meta, err := timemixer.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, hist.RunID, meta.RunID)
	assert.Equal(t, m.Params(), loaded.Params())
}

func TestInvalidConfig(t *testing.T) {
	_, err := timemixer.New(timemixer.DefaultConfig(0, 1, 1, 1))
	assert.True(t, errors.Is(err, timemixer.ErrInvalidConfig))
}

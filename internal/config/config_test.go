package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/timemixer/internal/opt"
)

const doc = `
model:
  n_steps: 48
  n_pred_steps: 12
  d_model: 32
  decomp_method: dft_decomp
  top_k: 3
  apply_nonstationary_norm: true
training:
  epochs: 5
  optimizer: sgd
  learning_rate: 0.01
  scheduler:
    type: step
    step_size: 2
data:
  path: series.csv
  target_columns: [load]
log:
  level: debug
  format: json
`

func TestParseOverlaysDefaults(t *testing.T) {
	f, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 48, f.Model.NSteps)
	assert.Equal(t, 12, f.Model.NPredSteps)
	assert.Equal(t, 32, f.Model.DModel)
	assert.Equal(t, "dft_decomp", f.Model.DecompMethod)
	assert.True(t, f.Model.ApplyNonstationaryNorm)
	// untouched fields keep their defaults
	assert.Equal(t, 2, f.Model.NLayers)
	assert.Equal(t, "short", f.Model.Term)
	assert.Equal(t, 32, f.Training.BatchSize)
	assert.Equal(t, 0.5, f.Training.Scheduler.Gamma)
	assert.Equal(t, []string{"load"}, f.Data.TargetColumns)
	assert.True(t, f.Data.HasHeader)

	require.NoError(t, f.Validate())

	o, err := f.Training.NewOptimizer()
	require.NoError(t, err)
	assert.IsType(t, &opt.SGD{}, o)

	s, err := f.Training.NewScheduler(o)
	require.NoError(t, err)
	assert.IsType(t, &opt.StepLR{}, s)

	logger, err := f.Log.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestDefaultIsValid(t *testing.T) {
	f := Default()
	require.NoError(t, f.Validate())

	o, err := f.Training.NewOptimizer()
	require.NoError(t, err)
	assert.IsType(t, &opt.Adam{}, o)

	s, err := f.Training.NewScheduler(o)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*File)
	}{
		{"epochs", func(f *File) { f.Training.Epochs = 0 }},
		{"batch size", func(f *File) { f.Training.BatchSize = 0 }},
		{"learning rate", func(f *File) { f.Training.LearningRate = 0 }},
		{"negative workers", func(f *File) { f.Training.Workers = -1 }},
		{"optimizer", func(f *File) { f.Training.Optimizer = "lbfgs" }},
		{"scheduler", func(f *File) { f.Training.Scheduler.Type = "cosine" }},
		{"val ratio", func(f *File) { f.Data.ValRatio = 1 }},
		{"stride", func(f *File) { f.Data.Stride = 0 }},
		{"log level", func(f *File) { f.Log.Level = "loud" }},
		{"log format", func(f *File) { f.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Default()
			tt.modify(&f)
			assert.True(t, errors.Is(f.Validate(), ErrInvalid))
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(doc), 0o644))
	f, err := Load(good)
	require.NoError(t, err)
	assert.Equal(t, 5, f.Training.Epochs)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("training:\n  epochs: [1, 2]\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("training:\n  epochs: 0\n"), 0o644))
	_, err = Load(invalid)
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

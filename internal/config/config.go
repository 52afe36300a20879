// Package config loads the YAML configuration of the timemixer command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/FlavioCFOliveira/timemixer/internal/opt"
	"github.com/FlavioCFOliveira/timemixer/internal/timemixer"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// File is the whole configuration document.
type File struct {
	Model    timemixer.Config `yaml:"model"`
	Training Training         `yaml:"training"`
	Data     Data             `yaml:"data"`
	Log      Log              `yaml:"log"`
}

// Training configures the optimizer and the fit loop.
type Training struct {
	Epochs       int       `yaml:"epochs"`
	BatchSize    int       `yaml:"batch_size"`
	Optimizer    string    `yaml:"optimizer"`
	LearningRate float64   `yaml:"learning_rate"`
	WeightDecay  float64   `yaml:"weight_decay"`
	Patience     int       `yaml:"patience"`
	Workers      int       `yaml:"workers"`
	MaxGradNorm  float64   `yaml:"max_grad_norm"`
	Scheduler    Scheduler `yaml:"scheduler"`
	Checkpoint   string    `yaml:"checkpoint"`
	LogCSV       string    `yaml:"log_csv"`
}

// Scheduler configures an optional learning rate schedule.
type Scheduler struct {
	Type     string  `yaml:"type"` // none, step, exponential, plateau
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	Factor   float64 `yaml:"factor"`
	Patience int     `yaml:"patience"`
	MinLR    float64 `yaml:"min_lr"`
}

// Data describes the input CSV and how it is windowed.
type Data struct {
	Path          string   `yaml:"path"`
	HasHeader     bool     `yaml:"has_header"`
	TargetColumns []string `yaml:"target_columns"`
	Stride        int      `yaml:"stride"`
	ValRatio      float64  `yaml:"val_ratio"`
}

// Log configures the logrus logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when a field is not set in the file.
// n_features and n_pred_features are left at zero to be taken from the data.
func Default() File {
	return File{
		Model: timemixer.DefaultConfig(96, 0, 24, 0),
		Training: Training{
			Epochs:       100,
			BatchSize:    32,
			Optimizer:    "adam",
			LearningRate: 1e-3,
			Patience:     10,
			Scheduler:    Scheduler{Type: "none", Gamma: 0.5, Factor: 0.5, Patience: 3, StepSize: 10},
		},
		Data: Data{HasHeader: true, Stride: 1, ValRatio: 0.2},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Parse overlays a YAML document on the defaults.
func Parse(b []byte) (File, error) {
	f := Default()
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return f, nil
}

// Load reads and validates a configuration file.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read config: %w", err)
	}
	f, err := Parse(b)
	if err != nil {
		return File{}, err
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks the training, data and log sections. The model section is
// checked by timemixer.Config.Validate once the data shapes are known.
func (f File) Validate() error {
	t := f.Training
	switch {
	case t.Epochs <= 0:
		return fmt.Errorf("%w: training.epochs must be positive", ErrInvalid)
	case t.BatchSize <= 0:
		return fmt.Errorf("%w: training.batch_size must be positive", ErrInvalid)
	case t.LearningRate <= 0:
		return fmt.Errorf("%w: training.learning_rate must be positive", ErrInvalid)
	case t.Patience < 0, t.Workers < 0, t.MaxGradNorm < 0, t.WeightDecay < 0:
		return fmt.Errorf("%w: training values must not be negative", ErrInvalid)
	case f.Data.ValRatio < 0 || f.Data.ValRatio >= 1:
		return fmt.Errorf("%w: data.val_ratio %v outside [0, 1)", ErrInvalid, f.Data.ValRatio)
	case f.Data.Stride < 1:
		return fmt.Errorf("%w: data.stride must be at least 1", ErrInvalid)
	}
	if _, err := f.Training.NewOptimizer(); err != nil {
		return err
	}
	if _, err := f.Training.NewScheduler(&opt.SGD{}); err != nil {
		return err
	}
	if _, err := f.Log.NewLogger(); err != nil {
		return err
	}
	return nil
}

// NewOptimizer builds the configured optimizer.
func (t Training) NewOptimizer() (opt.Optimizer, error) {
	switch strings.ToLower(t.Optimizer) {
	case "", "adam":
		a := opt.NewAdam(t.LearningRate)
		a.WeightDecay = t.WeightDecay
		return a, nil
	case "sgd":
		return &opt.SGD{LearningRate: t.LearningRate}, nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", ErrInvalid, t.Optimizer)
	}
}

// NewScheduler builds the configured schedule for o, or nil for none.
func (t Training) NewScheduler(o opt.Optimizer) (opt.Scheduler, error) {
	s := t.Scheduler
	switch strings.ToLower(s.Type) {
	case "", "none":
		return nil, nil
	case "step":
		return opt.NewStepLR(o, s.StepSize, s.Gamma), nil
	case "exponential":
		return opt.NewExponentialLR(o, s.Gamma), nil
	case "plateau":
		return opt.NewReduceLROnPlateau(o, s.Factor, s.Patience, 0, s.MinLR), nil
	default:
		return nil, fmt.Errorf("%w: unknown scheduler %q", ErrInvalid, s.Type)
	}
}

// NewLogger builds a logrus logger writing to stderr.
func (l Log) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	level := l.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	logger.SetLevel(lvl)
	switch strings.ToLower(l.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("%w: unknown log format %q", ErrInvalid, l.Format)
	}
	return logger, nil
}

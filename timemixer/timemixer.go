// Package timemixer is the public API of the TimeMixer forecaster: model
// construction, training, data loading and persistence.
package timemixer

import (
	"context"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/data"
	"github.com/FlavioCFOliveira/timemixer/internal/loss"
	"github.com/FlavioCFOliveira/timemixer/internal/mixer"
	"github.com/FlavioCFOliveira/timemixer/internal/net"
	"github.com/FlavioCFOliveira/timemixer/internal/opt"
	"github.com/FlavioCFOliveira/timemixer/internal/timemixer"
)

// Re-export common types and functions for easier access
type (
	Config     = timemixer.Config
	Model      = timemixer.Model
	Inputs     = timemixer.Inputs
	Output     = timemixer.Output
	Meta       = timemixer.Meta
	Trainer    = net.Trainer
	History    = net.History
	EpochStats = net.EpochStats
	Callback   = net.Callback
	Optimizer  = opt.Optimizer
	Scheduler  = opt.Scheduler
	Series     = data.Series
	Dataset    = data.Dataset
	Metrics    = loss.Metrics
)

// Forecasting terms and decomposition methods.
const (
	TermLong  = timemixer.TermLong
	TermShort = timemixer.TermShort
	MovingAvg = mixer.MovingAvg
	DFT       = mixer.DFT
)

// Errors
var (
	ErrInvalidConfig = timemixer.ErrInvalidConfig
	ErrShapeMismatch = timemixer.ErrShapeMismatch
	ErrNoLoss        = timemixer.ErrNoLoss
	ErrEmptyDataset  = data.ErrEmptyDataset
	ErrNoWindows     = data.ErrNoWindows
)

// Model creation
func DefaultConfig(nSteps, nFeatures, nPredSteps, nPredFeatures int) Config {
	return timemixer.DefaultConfig(nSteps, nFeatures, nPredSteps, nPredFeatures)
}

func New(cfg Config) (*Model, error) {
	return timemixer.New(cfg)
}

// Training
func NewTrainer(model *Model, optimizer Optimizer, logger *logrus.Logger) *Trainer {
	return net.NewTrainer(model, optimizer, logger)
}

// Optimizers
func Adam(lr float64) Optimizer {
	return opt.NewAdam(lr)
}

func SGD(lr float64) Optimizer {
	return &opt.SGD{LearningRate: lr}
}

func StepLR(optimizer Optimizer, stepSize int, gamma float64) Scheduler {
	return opt.NewStepLR(optimizer, stepSize, gamma)
}

func ReduceLROnPlateau(optimizer Optimizer, factor float64, patience int, threshold, minLR float64) Scheduler {
	return opt.NewReduceLROnPlateau(optimizer, factor, patience, threshold, minLR)
}

// Callbacks
func Logger(interval int) Callback {
	return net.Logger{Interval: interval}
}

func ModelCheckpoint(filename string) Callback {
	return net.NewModelCheckpoint(filename)
}

func EarlyStopping(patience int, minDelta float64) *net.EarlyStopping {
	return net.NewEarlyStopping(patience, minDelta)
}

func CSVLogger(filename string, append bool) Callback {
	return net.NewCSVLogger(filename, append)
}

func SchedulerCallback(scheduler Scheduler) Callback {
	return net.NewSchedulerCallback(scheduler)
}

// Data
func LoadCSV(filename string, hasHeader bool) (*Series, error) {
	return data.LoadCSV(filename, hasHeader)
}

func Windows(s *Series, nSteps, nPredSteps, stride int, targetCols []int) (*Dataset, error) {
	return data.Windows(s, nSteps, nPredSteps, stride, targetCols)
}

func LastWindow(s *Series, nSteps int) (Inputs, error) {
	return data.LastWindow(s, nSteps)
}

// Inference
func Predict(ctx context.Context, m *Model, samples []Inputs, workers int) ([]*mat.Dense, error) {
	return net.Predict(ctx, m, samples, workers)
}

// Model Persistence
func SaveFile(filename string, m *Model, meta Meta) error {
	return timemixer.SaveFile(filename, m, meta)
}

func LoadFile(filename string) (*Model, Meta, error) {
	return timemixer.LoadFile(filename)
}

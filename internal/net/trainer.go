// Package net trains and runs TimeMixer models.
package net

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/timemixer/internal/data"
	"github.com/FlavioCFOliveira/timemixer/internal/loss"
	"github.com/FlavioCFOliveira/timemixer/internal/opt"
	"github.com/FlavioCFOliveira/timemixer/internal/timemixer"
)

// EpochStats summarizes one training epoch.
type EpochStats struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	HasVal       bool
	LearningRate float64
	Duration     time.Duration
}

// Monitored returns the loss used for early stopping and checkpoints: the
// validation loss when there is a validation set, the training loss otherwise.
func (s EpochStats) Monitored() float64 {
	if s.HasVal {
		return s.ValLoss
	}
	return s.TrainLoss
}

// History records a Fit run.
type History struct {
	RunID     string
	Epochs    []EpochStats
	BestEpoch int
	BestLoss  float64
	Stopped   bool
}

// Trainer fits a model with mini-batch gradient descent.
type Trainer struct {
	Model     *timemixer.Model
	Optimizer opt.Optimizer
	Logger    *logrus.Logger

	// Workers bounds the goroutines used per batch; each owns a model replica.
	Workers   int
	BatchSize int
	Epochs    int
	// Patience stops training after that many epochs without improvement.
	// Zero disables early stopping.
	Patience int
	// MaxGradNorm clips the batch gradient when positive.
	MaxGradNorm float64
	Seed        int64
	Callbacks   []Callback

	runID    string
	replicas []*timemixer.Model
	stop     bool
}

// NewTrainer creates a trainer with default settings. A nil optimizer
// defaults to Adam with learning rate 1e-3, a nil logger to logrus.New().
func NewTrainer(model *timemixer.Model, optimizer opt.Optimizer, logger *logrus.Logger) *Trainer {
	if optimizer == nil {
		optimizer = opt.NewAdam(1e-3)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Trainer{
		Model:     model,
		Optimizer: optimizer,
		Logger:    logger,
		Workers:   runtime.NumCPU(),
		BatchSize: 32,
		Epochs:    100,
		Patience:  10,
		Seed:      model.Config().Seed,
		runID:     uuid.NewString(),
	}
}

// RunID identifies the current training run in logs and saved models.
func (t *Trainer) RunID() string {
	return t.runID
}

// StopTraining asks Fit to stop after the current epoch.
func (t *Trainer) StopTraining() {
	t.stop = true
}

// Fit trains the model on train, validating on val when it is non-empty.
// The parameters with the lowest monitored loss are restored at the end.
func (t *Trainer) Fit(ctx context.Context, train, val *data.Dataset) (*History, error) {
	if train.Len() == 0 {
		return nil, fmt.Errorf("fit: %w", data.ErrEmptyDataset)
	}
	t.stop = false
	log := t.Logger.WithField("run_id", t.runID)
	log.WithFields(logrus.Fields{
		"samples":    train.Len(),
		"val":        val.Len(),
		"params":     t.Model.NumParams(),
		"batch_size": t.BatchSize,
		"workers":    t.workers(t.BatchSize),
	}).Info("training started")

	for _, cb := range t.Callbacks {
		cb.OnTrainBegin(t)
	}

	rng := rand.New(rand.NewSource(t.Seed))
	hist := &History{RunID: t.runID, BestLoss: math.Inf(1)}
	var best []float64
	bad := 0

	var fitErr error
	for epoch := 1; epoch <= t.Epochs; epoch++ {
		for _, cb := range t.Callbacks {
			cb.OnEpochBegin(epoch, t)
		}
		start := time.Now()

		var sum float64
		var n int
		for b, idx := range train.Batches(t.BatchSize, rng) {
			if err := ctx.Err(); err != nil {
				fitErr = err
				break
			}
			for _, cb := range t.Callbacks {
				cb.OnBatchBegin(b, t)
			}
			batchLoss, err := t.TrainBatch(train.Subset(idx))
			if err != nil {
				fitErr = fmt.Errorf("epoch %d batch %d: %w", epoch, b, err)
				break
			}
			for _, cb := range t.Callbacks {
				cb.OnBatchEnd(b, batchLoss, t)
			}
			sum += batchLoss * float64(len(idx))
			n += len(idx)
		}
		if fitErr != nil {
			break
		}

		stats := EpochStats{
			Epoch:        epoch,
			TrainLoss:    sum / float64(n),
			LearningRate: opt.LearningRate(t.Optimizer),
		}
		if val.Len() > 0 {
			m, err := t.Evaluate(ctx, val)
			if err != nil {
				fitErr = err
				break
			}
			stats.ValLoss, stats.HasVal = m.MSE, true
		}
		stats.Duration = time.Since(start)
		hist.Epochs = append(hist.Epochs, stats)

		if monitored := stats.Monitored(); monitored < hist.BestLoss {
			hist.BestLoss, hist.BestEpoch = monitored, epoch
			best = t.Model.Params()
			bad = 0
		} else {
			bad++
		}

		log.WithFields(logrus.Fields{
			"epoch":      epoch,
			"train_loss": stats.TrainLoss,
			"val_loss":   stats.ValLoss,
			"lr":         stats.LearningRate,
			"duration":   stats.Duration.Round(time.Millisecond),
		}).Info("epoch finished")

		for _, cb := range t.Callbacks {
			cb.OnEpochEnd(epoch, stats, t)
		}

		if t.Patience > 0 && bad >= t.Patience {
			log.WithFields(logrus.Fields{
				"epoch":     epoch,
				"best_loss": hist.BestLoss,
				"patience":  t.Patience,
			}).Info("early stopping")
			t.stop = true
		}
		if t.stop {
			hist.Stopped = true
			break
		}
	}

	if best != nil {
		t.Model.SetParams(best)
	}
	for _, cb := range t.Callbacks {
		cb.OnTrainEnd(t)
	}
	if fitErr != nil {
		return hist, fitErr
	}

	log.WithFields(logrus.Fields{
		"best_epoch": hist.BestEpoch,
		"best_loss":  hist.BestLoss,
	}).Info("training finished")
	return hist, nil
}

// TrainBatch runs one optimization step on batch and returns its loss.
// The batch is split into shards processed in parallel on model replicas;
// the shard gradients add up to the gradient of the whole batch.
func (t *Trainer) TrainBatch(batch []timemixer.Inputs) (float64, error) {
	if len(batch) == 0 {
		return 0, fmt.Errorf("train batch: %w", data.ErrEmptyDataset)
	}

	workers := t.workers(len(batch))
	var (
		lossSum float64
		grads   []float64
	)
	if workers == 1 {
		t.Model.ClearGradients()
		out, err := t.Model.Forward(batch, true)
		if err != nil {
			return 0, err
		}
		if err := out.Backward(); err != nil {
			return 0, err
		}
		lossSum, grads = out.Loss, t.Model.Gradients()
	} else {
		var err error
		lossSum, grads, err = t.parallelGradients(batch, workers)
		if err != nil {
			return 0, err
		}
	}

	if t.MaxGradNorm > 0 {
		opt.ClipGradNorm(grads, t.MaxGradNorm)
	}
	params := t.Model.Params()
	t.Optimizer.StepInPlace(params, grads)
	t.Model.SetParams(params)
	return lossSum, nil
}

type shardResult struct {
	loss  float64
	grads []float64
	err   error
}

func (t *Trainer) parallelGradients(batch []timemixer.Inputs, workers int) (float64, []float64, error) {
	if err := t.ensureReplicas(workers); err != nil {
		return 0, nil, err
	}
	denom := timemixer.MaskDenominator(batch)
	params := t.Model.Params()
	chunk := (len(batch) + workers - 1) / workers
	results := make([]shardResult, workers)

	p := pool.New().WithMaxGoroutines(workers)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, len(batch))
		if start >= end {
			continue
		}
		w, shard := w, batch[start:end]
		p.Go(func() {
			r := t.replicas[w]
			r.SetParams(params)
			r.ClearGradients()
			out, err := r.ForwardShard(shard, denom)
			if err == nil {
				err = out.Backward()
			}
			if err != nil {
				results[w].err = err
				return
			}
			results[w] = shardResult{loss: out.Loss, grads: r.Gradients()}
		})
	}
	p.Wait()

	var (
		lossSum float64
		grads   []float64
	)
	for _, res := range results {
		if res.err != nil {
			return 0, nil, res.err
		}
		if res.grads == nil {
			continue
		}
		lossSum += res.loss
		if grads == nil {
			grads = res.grads
		} else {
			floats.Add(grads, res.grads)
		}
	}
	return lossSum, grads, nil
}

func (t *Trainer) ensureReplicas(n int) error {
	for len(t.replicas) < n {
		r, err := t.Model.Replica(t.Seed + int64(len(t.replicas)) + 1)
		if err != nil {
			return fmt.Errorf("failed to create replica: %w", err)
		}
		t.replicas = append(t.replicas, r)
	}
	return nil
}

func (t *Trainer) workers(batch int) int {
	w := t.Workers
	if w < 1 {
		w = 1
	}
	return min(w, max(batch, 1))
}

// Predict forecasts every sample of ds in eval mode.
func (t *Trainer) Predict(ctx context.Context, ds *data.Dataset) ([]*mat.Dense, error) {
	return Predict(ctx, t.Model, ds.Samples, t.Workers)
}

// Predict runs m in eval mode over samples, splitting the work across at most
// workers goroutines. Targets in samples are ignored.
func Predict(ctx context.Context, m *timemixer.Model, samples []timemixer.Inputs, workers int) ([]*mat.Dense, error) {
	if workers < 1 {
		workers = 1
	}
	workers = min(workers, max(len(samples), 1))
	forecasts := make([]*mat.Dense, len(samples))
	if len(samples) == 0 {
		return forecasts, nil
	}

	models := []*timemixer.Model{m}
	for i := 1; i < workers; i++ {
		r, err := m.Replica(int64(i))
		if err != nil {
			return nil, fmt.Errorf("failed to create replica: %w", err)
		}
		models = append(models, r)
	}

	chunk := (len(samples) + workers - 1) / workers
	errs := make([]error, workers)
	p := pool.New().WithMaxGoroutines(workers)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, len(samples))
		if start >= end {
			continue
		}
		w, start, end := w, start, end
		p.Go(func() {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					errs[w] = err
					return
				}
				out, err := models[w].Forward(samples[i:i+1], false)
				if err != nil {
					errs[w] = fmt.Errorf("sample %d: %w", i, err)
					return
				}
				forecasts[i] = out.Forecasts[0]
			}
		})
	}
	p.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return forecasts, nil
}

// Evaluate computes masked error metrics of the model on ds.
func (t *Trainer) Evaluate(ctx context.Context, ds *data.Dataset) (loss.Metrics, error) {
	forecasts, err := t.Predict(ctx, ds)
	if err != nil {
		return loss.Metrics{}, err
	}
	var acc loss.Accumulator
	for i, f := range forecasts {
		in := ds.Samples[i]
		if in.XPred == nil || in.XPredMissingMask == nil {
			return loss.Metrics{}, fmt.Errorf("evaluate: sample %d has no target: %w", i, timemixer.ErrShapeMismatch)
		}
		fr, fc := f.Dims()
		tr, tc := in.XPred.Dims()
		mr, mc := in.XPredMissingMask.Dims()
		if fr != tr || fc != tc || fr != mr || fc != mc {
			return loss.Metrics{}, fmt.Errorf("evaluate: sample %d target is %dx%d, forecast %dx%d: %w",
				i, tr, tc, fr, fc, timemixer.ErrShapeMismatch)
		}
		acc.Add(rawData(f), rawData(in.XPred), rawData(in.XPredMissingMask))
	}
	return acc.Metrics(), nil
}

func rawData(m *mat.Dense) []float64 {
	return mat.DenseCopyOf(m).RawMatrix().Data
}

// Summary prints a summary of the model and the training setup.
func (t *Trainer) Summary(w io.Writer) {
	t.Model.Summary(w)
	fmt.Fprintf(w, "Optimizer: %T  lr=%g  batch=%d  workers=%d\n",
		t.Optimizer, opt.LearningRate(t.Optimizer), t.BatchSize, t.workers(t.BatchSize))
}

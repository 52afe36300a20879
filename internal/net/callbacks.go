package net

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/FlavioCFOliveira/timemixer/internal/opt"
	"github.com/FlavioCFOliveira/timemixer/internal/timemixer"
)

// Callback defines the interface for training callbacks.
type Callback interface {
	OnTrainBegin(t *Trainer)
	OnTrainEnd(t *Trainer)
	OnEpochBegin(epoch int, t *Trainer)
	OnEpochEnd(epoch int, stats EpochStats, t *Trainer)
	OnBatchBegin(batch int, t *Trainer)
	OnBatchEnd(batch int, loss float64, t *Trainer)
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (c BaseCallback) OnTrainBegin(t *Trainer)                             {}
func (c BaseCallback) OnTrainEnd(t *Trainer)                               {}
func (c BaseCallback) OnEpochBegin(epoch int, t *Trainer)                  {}
func (c BaseCallback) OnEpochEnd(epoch int, stats EpochStats, t *Trainer) {}
func (c BaseCallback) OnBatchBegin(batch int, t *Trainer)                  {}
func (c BaseCallback) OnBatchEnd(batch int, loss float64, t *Trainer)      {}

// SchedulerCallback is a callback that wraps a learning rate scheduler.
type SchedulerCallback struct {
	BaseCallback
	scheduler opt.Scheduler
}

func NewSchedulerCallback(scheduler opt.Scheduler) *SchedulerCallback {
	return &SchedulerCallback{scheduler: scheduler}
}

func (c *SchedulerCallback) OnEpochEnd(epoch int, stats EpochStats, t *Trainer) {
	c.scheduler.Step()
	c.scheduler.StepWithLoss(stats.Monitored())
}

// EarlyStopping stops training when the monitored loss has stopped improving.
type EarlyStopping struct {
	BaseCallback
	Patience  int
	Threshold float64

	bestLoss     float64
	numBadEpochs int
	Stopped      bool
}

func NewEarlyStopping(patience int, threshold float64) *EarlyStopping {
	return &EarlyStopping{
		Patience:  patience,
		Threshold: threshold,
		bestLoss:  math.Inf(1),
	}
}

func (c *EarlyStopping) OnTrainBegin(t *Trainer) {
	c.bestLoss = math.Inf(1)
	c.numBadEpochs = 0
	c.Stopped = false
}

func (c *EarlyStopping) OnEpochEnd(epoch int, stats EpochStats, t *Trainer) {
	loss := stats.Monitored()
	if loss < c.bestLoss-c.Threshold {
		c.bestLoss = loss
		c.numBadEpochs = 0
	} else {
		c.numBadEpochs++
	}

	if c.numBadEpochs >= c.Patience {
		t.Logger.WithFields(logrus.Fields{
			"epoch":    epoch,
			"loss":     loss,
			"patience": c.Patience,
		}).Info("early stopping: loss did not improve")
		c.Stopped = true
		t.StopTraining()
	}
}

// ModelCheckpoint saves the model after every epoch if it's the best so far.
type ModelCheckpoint struct {
	BaseCallback
	Filename string

	bestLoss float64
}

func NewModelCheckpoint(filename string) *ModelCheckpoint {
	return &ModelCheckpoint{
		Filename: filename,
		bestLoss: math.Inf(1),
	}
}

func (c *ModelCheckpoint) OnEpochEnd(epoch int, stats EpochStats, t *Trainer) {
	loss := stats.Monitored()
	if loss >= c.bestLoss {
		return
	}
	c.bestLoss = loss
	meta := timemixer.Meta{RunID: t.RunID(), Epoch: epoch, BestLoss: loss}
	log := t.Logger.WithFields(logrus.Fields{"file": c.Filename, "loss": loss})
	if err := timemixer.SaveFile(c.Filename, t.Model, meta); err != nil {
		log.WithError(err).Error("failed to save checkpoint")
		return
	}
	log.Debug("checkpoint saved")
}

// Logger logs training progress every Interval epochs.
type Logger struct {
	BaseCallback
	Interval int
}

func (c Logger) OnEpochEnd(epoch int, stats EpochStats, t *Trainer) {
	if c.Interval > 0 && epoch%c.Interval == 0 {
		t.Logger.WithFields(logrus.Fields{
			"epoch":      epoch,
			"train_loss": stats.TrainLoss,
			"val_loss":   stats.ValLoss,
		}).Info("progress")
	}
}

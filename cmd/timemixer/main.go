// Command timemixer trains TimeMixer forecasters on CSV series and uses them
// to forecast.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/FlavioCFOliveira/timemixer/internal/config"
	"github.com/FlavioCFOliveira/timemixer/internal/data"
	"github.com/FlavioCFOliveira/timemixer/internal/net"
	"github.com/FlavioCFOliveira/timemixer/internal/timemixer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		logrus.WithError(err).Fatal("timemixer failed")
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "timemixer",
		Usage: "multiscale mixing forecaster for multivariate time series",
		Commands: []*cli.Command{
			{
				Name:  "train",
				Usage: "train a model on a CSV series",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", Required: true},
					&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "CSV file, overrides data.path"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "model.gob", Usage: "where to save the trained model"},
				},
				Action: trainAction,
			},
			{
				Name:  "predict",
				Usage: "forecast with a trained model",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "trained model file", Required: true},
					&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "CSV file to forecast from", Required: true},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "forecast.csv", Usage: "where to write the forecasts"},
					&cli.BoolFlag{Name: "no-header", Usage: "the CSV file has no header row"},
					&cli.BoolFlag{Name: "all", Usage: "forecast every window instead of only past the end of the series"},
				},
				Action: predictAction,
			},
			{
				Name:  "summary",
				Usage: "print the parameters of a trained model",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "trained model file", Required: true},
				},
				Action: summaryAction,
			},
		},
	}
}

func trainAction(ctx context.Context, cmd *cli.Command) error {
	f, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if p := cmd.String("data"); p != "" {
		f.Data.Path = p
	}
	if f.Data.Path == "" {
		return fmt.Errorf("%w: data.path is empty", config.ErrInvalid)
	}
	logger, err := f.Log.NewLogger()
	if err != nil {
		return err
	}

	series, err := data.LoadCSV(f.Data.Path, f.Data.HasHeader)
	if err != nil {
		return err
	}
	targets, err := resolveTargets(series, f.Data.TargetColumns)
	if err != nil {
		return err
	}

	cfg := f.Model
	cfg.NFeatures = series.Width()
	cfg.NPredFeatures = len(targets)
	model, err := timemixer.New(cfg)
	if err != nil {
		return err
	}

	ds, err := data.Windows(series, cfg.NSteps, cfg.NPredSteps, f.Data.Stride, targets)
	if err != nil {
		return err
	}
	train, val := ds.Split(1 - f.Data.ValRatio)

	o, err := f.Training.NewOptimizer()
	if err != nil {
		return err
	}
	trainer := net.NewTrainer(model, o, logger)
	trainer.Epochs = f.Training.Epochs
	trainer.BatchSize = f.Training.BatchSize
	trainer.Patience = f.Training.Patience
	trainer.MaxGradNorm = f.Training.MaxGradNorm
	if f.Training.Workers > 0 {
		trainer.Workers = f.Training.Workers
	}

	sched, err := f.Training.NewScheduler(o)
	if err != nil {
		return err
	}
	if sched != nil {
		trainer.Callbacks = append(trainer.Callbacks, net.NewSchedulerCallback(sched))
	}
	if f.Training.Checkpoint != "" {
		trainer.Callbacks = append(trainer.Callbacks, net.NewModelCheckpoint(f.Training.Checkpoint))
	}
	if f.Training.LogCSV != "" {
		trainer.Callbacks = append(trainer.Callbacks, net.NewCSVLogger(f.Training.LogCSV, false))
	}

	hist, err := trainer.Fit(ctx, train, val)
	if err != nil {
		return err
	}

	out := cmd.String("out")
	meta := timemixer.Meta{RunID: hist.RunID, Epoch: hist.BestEpoch, BestLoss: hist.BestLoss, SavedAt: time.Now().UTC()}
	if err := timemixer.SaveFile(out, model, meta); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"run_id":     hist.RunID,
		"best_epoch": hist.BestEpoch,
		"best_loss":  hist.BestLoss,
		"file":       out,
	}).Info("model saved")
	return nil
}

func predictAction(ctx context.Context, cmd *cli.Command) error {
	model, meta, err := timemixer.LoadFile(cmd.String("model"))
	if err != nil {
		return err
	}
	cfg := model.Config()

	series, err := data.LoadCSV(cmd.String("data"), !cmd.Bool("no-header"))
	if err != nil {
		return err
	}
	if series.Width() != cfg.NFeatures {
		return fmt.Errorf("%w: data has %d columns, model expects %d", timemixer.ErrShapeMismatch, series.Width(), cfg.NFeatures)
	}

	var samples []timemixer.Inputs
	if cmd.Bool("all") {
		ds, err := data.Windows(series, cfg.NSteps, cfg.NPredSteps, 1, nil)
		if err != nil {
			return err
		}
		samples = ds.Samples
	} else {
		in, err := data.LastWindow(series, cfg.NSteps)
		if err != nil {
			return err
		}
		samples = []timemixer.Inputs{in}
	}

	forecasts, err := net.Predict(ctx, model, samples, runtime.NumCPU())
	if err != nil {
		return err
	}
	if err := data.WriteCSV(cmd.String("out"), forecasts, nil); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"run_id":  meta.RunID,
		"samples": len(forecasts),
		"file":    cmd.String("out"),
	}).Info("forecasts written")
	return nil
}

func summaryAction(ctx context.Context, cmd *cli.Command) error {
	model, meta, err := timemixer.LoadFile(cmd.String("model"))
	if err != nil {
		return err
	}
	cfg := model.Config()
	fmt.Printf("Run:      %s\n", meta.RunID)
	fmt.Printf("Saved:    %s\n", meta.SavedAt.Format(time.RFC3339))
	fmt.Printf("Epoch:    %d (loss %.6f)\n", meta.Epoch, meta.BestLoss)
	fmt.Printf("Shape:    %dx%d -> %dx%d (%s term)\n", cfg.NSteps, cfg.NFeatures, cfg.NPredSteps, cfg.NPredFeatures, cfg.Term)
	fmt.Printf("Backbone: %d layers, d_model %d, %s, %d scales\n", cfg.NLayers, cfg.DModel, cfg.DecompMethod, cfg.DownsamplingLayers+1)
	model.Summary(os.Stdout)
	return nil
}

// resolveTargets maps target column names to indices. No names selects
// every column.
func resolveTargets(s *data.Series, names []string) ([]int, error) {
	if len(names) == 0 {
		cols := make([]int, s.Width())
		for i := range cols {
			cols[i] = i
		}
		return cols, nil
	}
	cols := make([]int, len(names))
	for i, name := range names {
		c := s.Column(name)
		if c < 0 {
			return nil, fmt.Errorf("%w: unknown target column %q", config.ErrInvalid, name)
		}
		cols[i] = c
	}
	return cols, nil
}

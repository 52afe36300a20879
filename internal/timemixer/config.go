package timemixer

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/timemixer/internal/activations"
	"github.com/FlavioCFOliveira/timemixer/internal/mixer"
)

// Forecasting terms. Both run the same forecasting head; the term is kept as
// a label of the task the model was trained for.
const (
	TermLong  = "long"
	TermShort = "short"
)

var (
	// ErrInvalidConfig is returned for hyperparameters that cannot build a model.
	ErrInvalidConfig = errors.New("timemixer: invalid config")
	// ErrShapeMismatch is returned when inputs do not match the configured dimensions.
	ErrShapeMismatch = errors.New("timemixer: shape mismatch")
	// ErrNoLoss is returned by Output.Backward when the pass was not a training pass.
	ErrNoLoss = errors.New("timemixer: output has no loss to back-propagate")
)

// Config holds the model hyperparameters.
type Config struct {
	NSteps                 int     `yaml:"n_steps"`
	NFeatures              int     `yaml:"n_features"`
	NPredSteps             int     `yaml:"n_pred_steps"`
	NPredFeatures          int     `yaml:"n_pred_features"`
	Term                   string  `yaml:"term"`
	NLayers                int     `yaml:"n_layers"`
	DModel                 int     `yaml:"d_model"`
	DFFN                   int     `yaml:"d_ffn"`
	Dropout                float64 `yaml:"dropout"`
	TopK                   int     `yaml:"top_k"`
	ChannelIndependence    bool    `yaml:"channel_independence"`
	DecompMethod           string  `yaml:"decomp_method"`
	MovingAvg              int     `yaml:"moving_avg"`
	DownsamplingLayers     int     `yaml:"downsampling_layers"`
	DownsamplingWindow     int     `yaml:"downsampling_window"`
	ApplyNonstationaryNorm bool    `yaml:"apply_nonstationary_norm"`
	UseRevIN               bool    `yaml:"use_revin"`
	Activation             string  `yaml:"activation"`
	Seed                   int64   `yaml:"seed"`
}

// DefaultConfig returns the default hyperparameters for the given shapes.
func DefaultConfig(nSteps, nFeatures, nPredSteps, nPredFeatures int) Config {
	return Config{
		NSteps:             nSteps,
		NFeatures:          nFeatures,
		NPredSteps:         nPredSteps,
		NPredFeatures:      nPredFeatures,
		Term:               TermShort,
		NLayers:            2,
		DModel:             16,
		DFFN:               32,
		TopK:               5,
		DecompMethod:       mixer.MovingAvg,
		MovingAvg:          5,
		DownsamplingLayers: 3,
		DownsamplingWindow: 2,
		UseRevIN:           true,
		Activation:         "gelu",
		Seed:               42,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Term != TermLong && c.Term != TermShort {
		return fmt.Errorf("%w: forecasting term should be either %q or %q, got %q", ErrInvalidConfig, TermLong, TermShort, c.Term)
	}
	if c.NPredFeatures <= 0 {
		return fmt.Errorf("%w: n_pred_features must be positive", ErrInvalidConfig)
	}
	if _, err := activations.ByName(c.Activation); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	bc, err := c.backbone()
	if err != nil {
		return err
	}
	if err := bc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// backbone derives the backbone configuration. The backbone forecasts every
// input feature; the output projection then selects n_pred_features.
func (c Config) backbone() (mixer.Config, error) {
	act, err := activations.ByName(c.Activation)
	if err != nil {
		return mixer.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return mixer.Config{
		NSteps:              c.NSteps,
		NFeatures:           c.NFeatures,
		NPredSteps:          c.NPredSteps,
		NLayers:             c.NLayers,
		DModel:              c.DModel,
		DFFN:                c.DFFN,
		Dropout:             c.Dropout,
		TopK:                c.TopK,
		ChannelIndependence: c.ChannelIndependence,
		DecompMethod:        c.DecompMethod,
		MovingAvg:           c.MovingAvg,
		DownsamplingLayers:  c.DownsamplingLayers,
		DownsamplingWindow:  c.DownsamplingWindow,
		UseRevIN:            c.UseRevIN,
		Activation:          act,
	}, nil
}

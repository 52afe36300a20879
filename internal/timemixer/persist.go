package timemixer

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// formatVersion is bumped whenever the encoded layout changes.
const formatVersion = 1

// ErrFormat is returned when a model file cannot be decoded.
var ErrFormat = errors.New("timemixer: unsupported model file")

// Meta describes the training run that produced a saved model.
type Meta struct {
	RunID    string
	Epoch    int
	BestLoss float64
	SavedAt  time.Time
}

// Save writes the model configuration, its parameters and meta to w using
// gob encoding. Optimizer state is not saved.
func Save(w io.Writer, m *Model, meta Meta) error {
	encoder := gob.NewEncoder(w)

	if err := encoder.Encode(int32(formatVersion)); err != nil {
		return fmt.Errorf("failed to encode version: %w", err)
	}
	if err := encoder.Encode(m.cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now().UTC()
	}
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	if err := encoder.Encode(m.Params()); err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	return nil
}

// Load rebuilds a model written by Save.
func Load(r io.Reader) (*Model, Meta, error) {
	decoder := gob.NewDecoder(r)

	var version int32
	if err := decoder.Decode(&version); err != nil {
		return nil, Meta{}, fmt.Errorf("failed to read version: %w", err)
	}
	if version != formatVersion {
		return nil, Meta{}, fmt.Errorf("%w: version %d", ErrFormat, version)
	}

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, Meta{}, fmt.Errorf("failed to read config: %w", err)
	}
	var meta Meta
	if err := decoder.Decode(&meta); err != nil {
		return nil, Meta{}, fmt.Errorf("failed to read meta: %w", err)
	}
	var params []float64
	if err := decoder.Decode(&params); err != nil {
		return nil, Meta{}, fmt.Errorf("failed to read parameters: %w", err)
	}

	m, err := New(cfg)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to rebuild model: %w", err)
	}
	if len(params) != m.NumParams() {
		return nil, Meta{}, fmt.Errorf("%w: %d parameters for a model of %d", ErrFormat, len(params), m.NumParams())
	}
	m.SetParams(params)
	return m, meta, nil
}

// SaveFile saves the model to filename.
func SaveFile(filename string, m *Model, meta Meta) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Save(file, m, meta); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadFile loads a model saved with SaveFile.
func LoadFile(filename string) (*Model, Meta, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return Load(file)
}

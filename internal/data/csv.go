// Package data loads multivariate series from CSV and cuts them into
// forecasting windows.
package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmptyDataset is returned when a file or dataset holds no samples.
	ErrEmptyDataset = errors.New("data: empty dataset")
	// ErrNoWindows is returned when a series is too short for the requested windows.
	ErrNoWindows = errors.New("data: series too short for a single window")
)

// Series is a multivariate time series. Missing values are stored as 0 in
// Values and 0 in Mask; observed values have Mask 1.
type Series struct {
	Names  []string
	Values *mat.Dense // [steps x columns]
	Mask   *mat.Dense // [steps x columns]
}

// Len returns the number of time steps.
func (s *Series) Len() int {
	r, _ := s.Values.Dims()
	return r
}

// Width returns the number of columns.
func (s *Series) Width() int {
	_, c := s.Values.Dims()
	return c
}

// Column returns the index of the named column, or -1.
func (s *Series) Column(name string) int {
	for i, n := range s.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// isMissing reports whether a cell counts as a missing observation.
func isMissing(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "", "nan", "na", "null":
		return true
	}
	return false
}

// LoadCSV loads a series from a CSV file with one row per time step and one
// numeric column per feature. hasHeader takes column names from the first line.
func LoadCSV(filename string, hasHeader bool) (*Series, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return ReadCSV(file, hasHeader)
}

// ReadCSV reads a series from r. See LoadCSV.
func ReadCSV(r io.Reader, hasHeader bool) (*Series, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	startRow := 0
	if hasHeader {
		startRow = 1
	}
	if len(records) <= startRow {
		return nil, fmt.Errorf("%w: csv file has no data rows", ErrEmptyDataset)
	}

	numCols := len(records[0])
	names := make([]string, numCols)
	for j := range names {
		if hasHeader {
			names[j] = strings.TrimSpace(records[0][j])
		} else {
			names[j] = fmt.Sprintf("col%d", j)
		}
	}

	rows := len(records) - startRow
	values := mat.NewDense(rows, numCols, nil)
	mask := mat.NewDense(rows, numCols, nil)
	for i := startRow; i < len(records); i++ {
		record := records[i]
		if len(record) != numCols {
			return nil, fmt.Errorf("inconsistent number of columns at row %d", i)
		}
		for j, cell := range record {
			if isMissing(cell) {
				continue
			}
			val, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse value at row %d, col %d: %w", i, j, err)
			}
			if math.IsNaN(val) || math.IsInf(val, 0) {
				continue
			}
			values.Set(i-startRow, j, val)
			mask.Set(i-startRow, j, 1)
		}
	}

	return &Series{Names: names, Values: values, Mask: mask}, nil
}

// WriteCSV writes forecasts as rows of (sample, step, values...).
// Missing names default to col<j>.
func WriteCSV(filename string, forecasts []*mat.Dense, names []string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := writeForecasts(file, forecasts, names); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func writeForecasts(w io.Writer, forecasts []*mat.Dense, names []string) error {
	writer := csv.NewWriter(w)
	if len(forecasts) == 0 {
		return fmt.Errorf("%w: no forecasts to write", ErrEmptyDataset)
	}
	_, cols := forecasts[0].Dims()

	header := []string{"sample", "step"}
	for j := 0; j < cols; j++ {
		if j < len(names) {
			header = append(header, names[j])
		} else {
			header = append(header, fmt.Sprintf("col%d", j))
		}
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for s, f := range forecasts {
		rows, _ := f.Dims()
		for t := 0; t < rows; t++ {
			record := []string{strconv.Itoa(s), strconv.Itoa(t)}
			for _, v := range f.RawRowView(t) {
				record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("failed to write record: %w", err)
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

package market

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoadCSVDir loads bar files for every subscription from dir. Files are
// named <product_type>_<symbol>_<frequency>.csv with the header
// timestamp,open,high,low,close,volume and RFC 3339 timestamps.
func (s *SimData) LoadCSVDir(dir string, requests []SymbolRequest) error {
	for _, r := range requests {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.csv", r.ProductType, r.Symbol, r.Frequency))
		bars, err := ReadBarsCSV(path)
		if err != nil {
			return fmt.Errorf("load bars for %s %s: %w", r.ProductType, r.Symbol, err)
		}
		s.LoadBars(r.ProductType, r.Symbol, r.Frequency, bars)
	}
	return nil
}

// LoadCSVDirAll loads every bar file found in dir and returns the
// subscriptions they cover.
func (s *SimData) LoadCSVDirAll(dir string) ([]SymbolRequest, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	var reqs []SymbolRequest
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".csv")
		parts := strings.Split(name, "_")
		if len(parts) < 3 {
			return nil, fmt.Errorf("bar file %s: expected <product_type>_<symbol>_<frequency>.csv", path)
		}
		r := SymbolRequest{
			ProductType: parts[0],
			Symbol:      strings.Join(parts[1:len(parts)-1], "_"),
			Frequency:   parts[len(parts)-1],
		}
		bars, err := ReadBarsCSV(path)
		if err != nil {
			return nil, fmt.Errorf("load bars for %s %s: %w", r.ProductType, r.Symbol, err)
		}
		s.LoadBars(r.ProductType, r.Symbol, r.Frequency, bars)
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// ReadBarsCSV parses one bar file.
func ReadBarsCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	// Skip a header row if present.
	start := 0
	if _, err := time.Parse(time.RFC3339, records[0][0]); err != nil {
		start = 1
	}

	bars := make([]Bar, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 6 {
			return nil, fmt.Errorf("row %d: expected 6 columns, got %d", i+1, len(rec))
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		vals := make([]float64, 5)
		for j := 0; j < 5; j++ {
			v, err := strconv.ParseFloat(rec[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d col %d: %w", i+1, j+2, err)
			}
			vals[j] = v
		}
		bars = append(bars, Bar{
			Timestamp: ts,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return bars, nil
}

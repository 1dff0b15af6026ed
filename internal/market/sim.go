package market

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type seriesKey struct {
	productType string
	symbol      string
	frequency   string
}

type series struct {
	bars  []Bar // sorted by timestamp
	avail int   // bars released by Update; -1 means all
}

// SimData is a DataManager backed by preloaded bars. Bars become visible as
// the bartime advances; Update marks the series current through the bartime.
type SimData struct {
	mu          sync.RWMutex
	bartime     time.Time
	series      map[seriesKey]*series
	priorCloses map[seriesKey]float64
}

// NewSimData creates an empty simulated data manager.
func NewSimData() *SimData {
	return &SimData{
		series:      make(map[seriesKey]*series),
		priorCloses: make(map[seriesKey]float64),
	}
}

func (s *SimData) Bartime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bartime
}

func (s *SimData) SetBartime(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bartime = ts
}

// AddSymbols registers subscriptions. Unknown symbols simply have no bars
// until data is loaded for them.
func (s *SimData) AddSymbols(requests ...SymbolRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range requests {
		k := seriesKey{r.ProductType, r.Symbol, r.Frequency}
		if _, ok := s.series[k]; !ok {
			s.series[k] = &series{}
		}
	}
}

// LoadBars installs the bar history for one subscription, replacing any
// existing bars. Bars are sorted by timestamp.
func (s *SimData) LoadBars(productType, symbol, frequency string, bars []Bar) {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[seriesKey{productType, symbol, frequency}] = &series{bars: sorted}
}

// SetPriorClose sets the prior session closing price for a symbol.
func (s *SimData) SetPriorClose(productType, symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorCloses[seriesKey{productType, symbol, ""}] = price
}

// Update marks every series of the product/frequency as current through the
// bartime. With preloaded data this is a visibility cursor, mirroring a feed
// pull in live mode.
func (s *SimData) Update(productType, frequency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ser := range s.series {
		if k.productType != productType || k.frequency != frequency {
			continue
		}
		ser.avail = 0
		for i := range ser.bars {
			if !ser.bars[i].Timestamp.After(s.bartime) {
				ser.avail = i + 1
			}
		}
	}
	return nil
}

// visible returns the bars of the first series matching (productType, symbol)
// released up to the current bartime.
func (s *SimData) visible(productType, symbol string) []Bar {
	for k, ser := range s.series {
		if k.productType != productType || k.symbol != symbol {
			continue
		}
		if len(ser.bars) == 0 {
			continue
		}
		return ser.bars[:ser.avail]
	}
	return nil
}

func (s *SimData) CurrentBar(productType, symbol string) (Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.visible(productType, symbol) {
		if b.Timestamp.Equal(s.bartime) {
			return b, nil
		}
	}
	return Bar{}, fmt.Errorf("%w: %s %s at %s", ErrNoMarketData, productType, symbol, s.bartime)
}

func (s *SimData) CurrentPrice(productType, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bars := s.visible(productType, symbol)
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Timestamp.After(s.bartime) {
			return bars[i].Close, nil
		}
	}
	return 0, fmt.Errorf("%w: %s %s at %s", ErrNoMarketData, productType, symbol, s.bartime)
}

func (s *SimData) PriorClose(productType, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if px, ok := s.priorCloses[seriesKey{productType, symbol, ""}]; ok {
		return px, nil
	}
	// Fall back to the last close of the calendar day before the bartime.
	bars := s.visible(productType, symbol)
	day := s.bartime.UTC().Truncate(24 * time.Hour)
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Timestamp.UTC().Truncate(24 * time.Hour).Before(day) {
			return bars[i].Close, nil
		}
	}
	return 0, fmt.Errorf("%w: no prior close for %s %s", ErrNoMarketData, productType, symbol)
}

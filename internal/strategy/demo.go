package strategy

import (
	"time"

	"tradesim/internal/market"
)

// TargetHold is a small reference strategy: it subscribes to one symbol and
// declares a single intent to reach the configured target position, then
// holds. Parameters: product_type, symbol, frequency, target.
type TargetHold struct {
	Base
	placed bool
}

func init() {
	Register("TargetHold", func() Strategy { return &TargetHold{} })
}

func (s *TargetHold) OnStart() error {
	s.AddSymbols(market.SymbolRequest{
		ProductType: s.strParam("product_type", "stock"),
		Symbol:      s.strParam("symbol", "TEST"),
		Frequency:   s.strParam("frequency", "1min"),
	})
	return nil
}

func (s *TargetHold) OnBeginOfDay(time.Time) error {
	s.placed = false
	return nil
}

func (s *TargetHold) OnBar(time.Time) error {
	if s.placed {
		return nil
	}
	pt := s.strParam("product_type", "stock")
	sym := s.strParam("symbol", "TEST")
	target := s.IntParam("target", 0)
	if target != s.Position(pt, sym) {
		s.Intent(pt, sym, target)
	}
	s.placed = true
	return nil
}

func (s *TargetHold) strParam(key, def string) string {
	if v, ok := s.Param(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

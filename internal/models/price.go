package models

import "time"

// PricePoint is a single observation from one source for one symbol.
// Immutable once emitted; price must be positive.
type PricePoint struct {
	Symbol     string    `json:"symbol"`
	Source     string    `json:"source"`
	Venue      string    `json:"venue,omitempty"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume,omitempty"`
	Liquidity  float64   `json:"liquidity,omitempty"`
	Confidence float64   `json:"confidence"` // source-declared, [0,1]
	Weight     float64   `json:"weight"`
	Timestamp  time.Time `json:"timestamp"`
}

// Age returns the elapsed time since the observation was taken.
func (p PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// Valid reports whether the point satisfies the source contract.
func (p PricePoint) Valid() bool {
	return p.Symbol != "" && p.Source != "" && p.Price > 0
}

// AggregatedPrice is the weighted consensus across fresh non-outlier
// quotes for a symbol.
type AggregatedPrice struct {
	Symbol        string        `json:"symbol"`
	Price         float64       `json:"price"`
	VWAP          float64       `json:"vwap,omitempty"`
	Confidence    float64       `json:"confidence"`
	SpreadPct     float64       `json:"spread_pct"` // (max-min)/min of contributors, percent
	SourceCount   int           `json:"source_count"`
	OutlierCount  int           `json:"outlier_count"`
	Points        []PricePoint  `json:"points,omitempty"`
	ProcessedIn   time.Duration `json:"processed_in"`
	Timestamp     time.Time     `json:"timestamp"`
}

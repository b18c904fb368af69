package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceEntry is a cached USD quote. Entries are replaced, never mutated.
type PriceEntry struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// FreshAt reports whether the entry is younger than window at now.
func (e PriceEntry) FreshAt(now time.Time, window time.Duration) bool {
	return !e.FetchedAt.IsZero() && now.Sub(e.FetchedAt) < window
}

// Package threshold values transfer records in USD and keeps the ones at or above a threshold.
package threshold

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/internal/domain"
)

// PriceSource returns a USD price, falling back to fallback when the source fails. Zero means unknown.
type PriceSource interface {
	PriceOr(ctx context.Context, symbol string, fallback decimal.Decimal) decimal.Decimal
}

// Stats counts what Apply dropped.
type Stats struct {
	Qualified    int
	BelowLimit   int
	UnknownPrice int
}

type Filter struct {
	prices    PriceSource
	threshold decimal.Decimal
	logger    *zap.Logger
}

func New(prices PriceSource, threshold decimal.Decimal, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Filter{prices: prices, threshold: threshold, logger: logger}
}

// Threshold returns the configured USD threshold.
func (f *Filter) Threshold() decimal.Decimal {
	return f.threshold
}

// Apply returns the records whose USD value is at least the threshold, in input order, with USDValue set.
// Records priced at zero are excluded: a zero price means unknown.
func (f *Filter) Apply(ctx context.Context, records []domain.TransferRecord) ([]domain.TransferRecord, Stats) {
	var (
		out   []domain.TransferRecord
		stats Stats
	)

	for _, r := range records {
		symbol := r.QuoteSymbol()
		price := f.prices.PriceOr(ctx, symbol, r.Fallback)
		if !price.IsPositive() {
			stats.UnknownPrice++
			f.logger.Debug("excluding transfer with unknown price",
				zap.String("tx", r.TxHash.Hex()),
				zap.String("symbol", symbol),
				zap.String("amount", r.Amount.String()),
			)
			continue
		}

		usd := r.Amount.Mul(price)
		if usd.LessThan(f.threshold) {
			stats.BelowLimit++
			continue
		}

		r.USDValue = usd
		out = append(out, r)
	}

	stats.Qualified = len(out)
	if stats.UnknownPrice > 0 {
		f.logger.Info("transfers excluded for unknown price", zap.Int("count", stats.UnknownPrice))
	}

	return out, stats
}

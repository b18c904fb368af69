package threshold

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xdc-intel/transferscan/internal/domain"
)

type staticPrices map[string]string

func (p staticPrices) PriceOr(_ context.Context, symbol string, fallback decimal.Decimal) decimal.Decimal {
	v, ok := p[symbol]
	if !ok {
		return fallback
	}
	return decimal.RequireFromString(v)
}

func record(n int64, symbol, amount string) domain.TransferRecord {
	return domain.TransferRecord{
		TxHash:      common.BigToHash(big.NewInt(n)),
		TokenSymbol: symbol,
		Amount:      decimal.RequireFromString(amount),
		BlockNumber: uint64(n),
	}
}

func TestApply_Scenario(t *testing.T) {
	f := New(staticPrices{"XDC": "1.00"}, decimal.NewFromInt(5000), nil)

	out, stats := f.Apply(context.Background(), []domain.TransferRecord{
		record(1, "XDC", "10000"),
		record(2, "XDC", "100"),
	})

	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].BlockNumber)
	assert.Equal(t, "10000.00", out[0].USDValue.StringFixed(2))
	assert.Equal(t, Stats{Qualified: 1, BelowLimit: 1}, stats)
}

func TestApply_BoundaryAndOrder(t *testing.T) {
	f := New(staticPrices{"XDC": "0.05", "USDC": "1"}, decimal.NewFromInt(5000), nil)

	records := []domain.TransferRecord{
		record(1, "USDC.e", "5000"),
		record(2, "XDC", "100000"),
		record(3, "XDC", "99999.99"),
		record(4, "USDC.e", "4999.999"),
		record(5, "XDC", "250000"),
	}
	records[0].PriceSymbol = "USDC"
	records[3].PriceSymbol = "USDC"

	out, _ := f.Apply(context.Background(), records)

	var blocks []uint64
	for _, r := range out {
		blocks = append(blocks, r.BlockNumber)
	}
	assert.Equal(t, []uint64{1, 2, 5}, blocks, "usd_value == threshold qualifies; order preserved")
	assert.True(t, decimal.NewFromInt(12500).Equal(out[2].USDValue))
}

func TestApply_UnknownPriceExcluded(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := New(staticPrices{"XDC": "1"}, decimal.Zero, zap.New(core))

	out, stats := f.Apply(context.Background(), []domain.TransferRecord{
		record(1, domain.UnknownSymbol, "1000000000"),
		record(2, "XDC", "1"),
	})

	require.Len(t, out, 1)
	assert.Equal(t, uint64(2), out[0].BlockNumber)
	assert.Equal(t, 1, stats.UnknownPrice)
	assert.Equal(t, 1, logs.FilterMessage("excluding transfer with unknown price").Len())
	assert.Equal(t, 1, logs.FilterMessage("transfers excluded for unknown price").Len())
}

func TestApply_UsesRecordFallback(t *testing.T) {
	f := New(staticPrices{"XDC": "1"}, decimal.NewFromInt(5000), nil)

	bridged := record(1, "USDC.e", "7500")
	bridged.Fallback = decimal.NewFromInt(1)

	out, stats := f.Apply(context.Background(), []domain.TransferRecord{bridged, record(2, "USDC.e", "7500")})

	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].BlockNumber)
	assert.Equal(t, "7500.00", out[0].USDValue.StringFixed(2))
	assert.Equal(t, 1, stats.UnknownPrice)
}

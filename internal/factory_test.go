package internal

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdc-intel/transferscan/config"
	"github.com/xdc-intel/transferscan/internal/domain"
	"github.com/xdc-intel/transferscan/internal/services/classifier"
	"github.com/xdc-intel/transferscan/internal/services/pricer"
	"github.com/xdc-intel/transferscan/internal/services/threshold"
	"github.com/xdc-intel/transferscan/internal/services/tokenmeta"
	"github.com/xdc-intel/transferscan/pkg/ratelimit"
)

func TestPriceWiring(t *testing.T) {
	six := uint8(6)
	usdc := common.HexToAddress("0x2A8E898b6242355c290E1f4Fc966b8788729A4D4")
	wxdc := common.HexToAddress("0x951857744785E80e2De051c32EE7b25f9c458C42")

	conf := config.Config{
		Native: domain.TokenInfo{Symbol: "XDC", Decimals: 18, FallbackPrice: decimal.RequireFromString("0.04")},
		Tokens: []config.TokenConfig{
			{Address: usdc, Symbol: "USDC.e", Decimals: &six, PriceSymbol: "USDC", FallbackPrice: decimal.NewFromInt(1)},
			{Address: wxdc, Symbol: "WXDC", PriceSymbol: "XDC"},
			{Address: common.HexToAddress("0x01")},
		},
	}

	assert.Equal(t, map[string]string{"USDC.e": "USDC", "WXDC": "XDC"}, priceAliases(conf.Tokens))

	overrides := tokenOverrides(conf.Tokens)
	require.Len(t, overrides, 3)
	require.NotNil(t, overrides[usdc].Decimals)
	assert.Equal(t, uint8(6), *overrides[usdc].Decimals)
	assert.Nil(t, overrides[wxdc].Decimals)
	assert.Equal(t, "XDC", overrides[wxdc].PriceSymbol)
	assert.True(t, decimal.NewFromInt(1).Equal(overrides[usdc].FallbackPrice))
}

type unreachableContracts struct{}

func (unreachableContracts) CallContract(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, errors.New("execution reverted")
}

type quotesDown struct{ calls int }

func (q *quotesDown) Quote(context.Context, string) (decimal.Decimal, error) {
	q.calls++
	return decimal.Zero, errors.New("503 service unavailable")
}

func TestTokenFallbackWithoutConfiguredSymbol(t *testing.T) {
	six := uint8(6)
	bridged := common.HexToAddress("0x2A8E898b6242355c290E1f4Fc966b8788729A4D4")
	conf := config.Config{Tokens: []config.TokenConfig{
		{Address: bridged, Decimals: &six, FallbackPrice: decimal.NewFromInt(1)},
	}}

	tokens := tokenmeta.NewResolver(unreachableContracts{}, tokenOverrides(conf.Tokens), nil)
	c := classifier.New(domain.TokenInfo{Symbol: "XDC", Decimals: 18}, tokens, nil)
	quotes := &quotesDown{}
	oracle := pricer.NewOracle(quotes, ratelimit.New(30, time.Minute), 600*time.Second)
	f := threshold.New(oracle, decimal.NewFromInt(5000), nil)

	amount := new(big.Int).Mul(big.NewInt(7_500), big.NewInt(1_000_000))
	results := c.Tokens(context.Background(), &domain.RawBlock{Number: 10}, []domain.RawLog{{
		Address:     bridged,
		Topics:      []common.Hash{domain.TransferTopic, common.HexToHash("0x01"), common.HexToHash("0x02")},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: 10,
	}})
	require.Len(t, results, 1)
	require.Equal(t, domain.UnknownSymbol, results[0].Record.TokenSymbol)

	records := []domain.TransferRecord{results[0].Record, results[0].Record}
	oracle.Prefetch(context.Background(), map[string]decimal.Decimal{domain.UnknownSymbol: decimal.NewFromInt(1)})
	out, stats := f.Apply(context.Background(), records)

	require.Len(t, out, 2)
	assert.Equal(t, "7500.00", out[0].USDValue.StringFixed(2))
	assert.Zero(t, stats.UnknownPrice)
	assert.Equal(t, 1, quotes.calls)
}

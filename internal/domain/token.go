package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	// UnknownSymbol is used when a token contract does not answer symbol().
	UnknownSymbol = "UNKNOWN"
	// DefaultDecimals is used when a token contract does not answer decimals().
	DefaultDecimals uint8 = 18
)

// TokenInfo describes how amounts of a token are scaled and priced.
type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	// PriceSymbol is the symbol quoted by the price API, Symbol when empty.
	PriceSymbol string
	// FallbackPrice is used when the price API fails and nothing is cached.
	FallbackPrice decimal.Decimal
}

// QuoteSymbol returns the symbol to look up in the price oracle.
func (t TokenInfo) QuoteSymbol() string {
	if t.PriceSymbol != "" {
		return t.PriceSymbol
	}

	return t.Symbol
}

// Scale converts an amount in the token's smallest unit into token units.
func (t TokenInfo) Scale(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-int32(t.Decimals))
}

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

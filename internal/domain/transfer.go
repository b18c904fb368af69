package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TransferKind tells native coin movements from ERC-20 transfers.
type TransferKind string

const (
	TransferNative TransferKind = "native"
	TransferToken  TransferKind = "token"
)

// TransferRecord is a normalized value transfer.
// Amount is already scaled by the token decimals. USDValue is set by the threshold filter.
// Fallback is the configured price of the asset, zero when none.
type TransferRecord struct {
	Kind        TransferKind
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Token       common.Address
	Amount      decimal.Decimal
	TokenSymbol string
	PriceSymbol string
	Fallback    decimal.Decimal
	USDValue    decimal.Decimal
	BlockNumber uint64
	Timestamp   time.Time
}

// QuoteSymbol returns the symbol used for pricing the record.
func (r TransferRecord) QuoteSymbol() string {
	if r.PriceSymbol != "" {
		return r.PriceSymbol
	}

	return r.TokenSymbol
}

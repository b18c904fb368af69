// Package classifier turns fetched blocks and logs into normalized transfer records.
package classifier

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/internal/domain"
)

const transferDataLen = 32

var (
	// ErrNotTransfer marks logs that are not a three-topic ERC-20 Transfer.
	// Variants with an indexed amount or no indexed addresses are not decoded.
	ErrNotTransfer = errors.New("not an ERC-20 Transfer log")
	// ErrMalformedData marks Transfer logs whose data is not a single uint256 word.
	ErrMalformedData = errors.New("malformed Transfer log data")
)

// TokenResolver returns metadata for a token contract. It must not fail.
type TokenResolver interface {
	Resolve(ctx context.Context, addr common.Address) domain.TokenInfo
}

// Classifier builds TransferRecords for native and token transfers.
type Classifier struct {
	native domain.TokenInfo
	tokens TokenResolver
	logger *zap.Logger
}

// New creates a classifier. native describes the chain coin.
func New(native domain.TokenInfo, tokens TokenResolver, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Classifier{native: native, tokens: tokens, logger: logger}
}

// Native emits one record per transaction carrying a non-zero value, in block order.
func (c *Classifier) Native(block *domain.RawBlock) []domain.Result {
	if block == nil {
		return nil
	}

	var out []domain.Result
	for _, tx := range block.Transactions {
		if tx.Value == nil || tx.Value.Sign() <= 0 {
			continue
		}

		var to common.Address
		if tx.To != nil {
			to = *tx.To
		}

		out = append(out, domain.OK(domain.TransferRecord{
			Kind:        domain.TransferNative,
			TxHash:      tx.Hash,
			From:        tx.From,
			To:          to,
			Amount:      c.native.Scale(decimal.NewFromBigInt(tx.Value, 0)),
			TokenSymbol: c.native.Symbol,
			PriceSymbol: c.native.QuoteSymbol(),
			Fallback:    c.native.FallbackPrice,
			BlockNumber: block.Number,
			Timestamp:   block.Timestamp,
		}))
	}

	return out
}

// Tokens emits one record per decodable non-zero Transfer log, in log order.
// Logs that are not three-topic Transfers produce nothing; malformed data produces a Skip.
func (c *Classifier) Tokens(ctx context.Context, block *domain.RawBlock, logs []domain.RawLog) []domain.Result {
	var out []domain.Result
	for _, l := range logs {
		from, to, value, err := DecodeTransferLog(l)
		if errors.Is(err, ErrNotTransfer) {
			c.logger.Debug("ignoring non-transfer log",
				zap.Uint64("block", l.BlockNumber),
				zap.String("token", l.Address.Hex()),
				zap.Int("topics", len(l.Topics)),
			)
			continue
		}
		if err != nil {
			c.logger.Warn("skipping malformed transfer log",
				zap.Uint64("block", l.BlockNumber),
				zap.String("tx", l.TxHash.Hex()),
				zap.String("token", l.Address.Hex()),
				zap.Error(err),
			)
			out = append(out, domain.Skip("malformed transfer log", err))
			continue
		}
		if value.Sign() == 0 {
			continue
		}

		token := c.tokens.Resolve(ctx, l.Address)
		record := domain.TransferRecord{
			Kind:        domain.TransferToken,
			TxHash:      l.TxHash,
			From:        from,
			To:          to,
			Token:       l.Address,
			Amount:      token.Scale(decimal.NewFromBigInt(value, 0)),
			TokenSymbol: token.Symbol,
			PriceSymbol: token.QuoteSymbol(),
			Fallback:    token.FallbackPrice,
			BlockNumber: l.BlockNumber,
		}
		if block != nil {
			record.Timestamp = block.Timestamp
			if record.BlockNumber == 0 {
				record.BlockNumber = block.Number
			}
		}

		out = append(out, domain.OK(record))
	}

	return out
}

// DecodeTransferLog extracts sender, recipient and raw amount from an ERC-20 Transfer log.
// Addresses are the low 20 bytes of topics[1] and topics[2]; the amount is the big-endian data word.
func DecodeTransferLog(l domain.RawLog) (from, to common.Address, value *big.Int, err error) {
	if len(l.Topics) != 3 || l.Topics[0] != domain.TransferTopic {
		return common.Address{}, common.Address{}, nil, ErrNotTransfer
	}
	if len(l.Data) == 0 {
		return common.Address{}, common.Address{}, nil, errors.Wrap(ErrMalformedData, "empty data")
	}
	if len(l.Data) != transferDataLen {
		return common.Address{}, common.Address{}, nil, errors.Wrapf(ErrMalformedData, "%d bytes of data", len(l.Data))
	}

	from = common.BytesToAddress(l.Topics[1].Bytes())
	to = common.BytesToAddress(l.Topics[2].Bytes())
	value = new(big.Int).SetBytes(l.Data)

	return from, to, value, nil
}

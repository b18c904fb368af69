package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RawTx is a native transaction as fetched from a block body. To is nil for contract creation.
type RawTx struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address
	Value *big.Int
}

// RawBlock is a fetched block with its transactions in block order.
type RawBlock struct {
	Number       uint64
	Timestamp    time.Time
	Transactions []RawTx
}

// RawLog is an event log emitted by a token contract.
type RawLog struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	TxHash      common.Hash
	BlockNumber uint64
	Index       uint
}

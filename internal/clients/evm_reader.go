package clients

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/xdc-intel/transferscan/internal/domain"
)

// EVMReader reads blocks, Transfer logs and contract state through a Pool.
type EVMReader struct {
	pool      *Pool
	allowList []common.Address
}

// NewEVMReader creates a reader. A non-empty allowList restricts log queries to those contracts.
func NewEVMReader(pool *Pool, allowList []common.Address) *EVMReader {
	return &EVMReader{pool: pool, allowList: allowList}
}

// LatestBlock returns the current chain tip.
func (r *EVMReader) LatestBlock(ctx context.Context) (uint64, error) {
	var tip uint64
	err := r.pool.Call(ctx, "eth_blockNumber", func(ctx context.Context, node Node) error {
		n, err := node.BlockNumber(ctx)
		if err != nil {
			return err
		}
		tip = n
		return nil
	})

	return tip, err
}

// FetchBlock returns the block with its transactions. Senders are resolved for value-carrying transactions only.
func (r *EVMReader) FetchBlock(ctx context.Context, number uint64) (*domain.RawBlock, error) {
	var out *domain.RawBlock
	err := r.pool.Call(ctx, "eth_getBlockByNumber", func(ctx context.Context, node Node) error {
		block, err := node.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		if block == nil {
			return errors.Errorf("block %d not found", number)
		}

		raw := &domain.RawBlock{
			Number:       block.NumberU64(),
			Timestamp:    time.Unix(int64(block.Time()), 0).UTC(),
			Transactions: make([]domain.RawTx, 0, len(block.Transactions())),
		}

		for i, tx := range block.Transactions() {
			rt := domain.RawTx{Hash: tx.Hash(), To: tx.To(), Value: tx.Value()}
			if tx.Value().Sign() > 0 {
				from, err := sender(ctx, node, tx, block.Hash(), uint(i))
				if err != nil {
					return errors.Wrapf(err, "sender of %s", tx.Hash().Hex())
				}
				rt.From = from
			}
			raw.Transactions = append(raw.Transactions, rt)
		}

		out = raw
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// sender prefers the sender reported by the node and falls back to signature recovery.
func sender(ctx context.Context, node Node, tx *types.Transaction, blockHash common.Hash, index uint) (common.Address, error) {
	from, err := node.TransactionSender(ctx, tx, blockHash, index)
	if err == nil {
		return from, nil
	}

	recovered, recErr := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if recErr != nil {
		return common.Address{}, err
	}

	return recovered, nil
}

// FetchTransferLogs returns the ERC-20 Transfer logs emitted in the block.
func (r *EVMReader) FetchTransferLogs(ctx context.Context, number uint64) ([]domain.RawLog, error) {
	n := new(big.Int).SetUint64(number)
	q := ethereum.FilterQuery{
		FromBlock: n,
		ToBlock:   n,
		Addresses: r.allowList,
		Topics:    [][]common.Hash{{domain.TransferTopic}},
	}

	var logs []types.Log
	err := r.pool.Call(ctx, "eth_getLogs", func(ctx context.Context, node Node) error {
		res, err := node.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.RawLog, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		out = append(out, domain.RawLog{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			TxHash:      l.TxHash,
			BlockNumber: l.BlockNumber,
			Index:       l.Index,
		})
	}

	return out, nil
}

// CallContract executes a read-only call against the latest state.
func (r *EVMReader) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	msg := ethereum.CallMsg{To: &to, Data: data}
	err := r.pool.Call(ctx, "eth_call", func(ctx context.Context, node Node) error {
		res, err := node.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})

	return out, err
}

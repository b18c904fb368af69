// Package scanner walks a block range in fixed-size batches, in increasing block order.
package scanner

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/internal/domain"
)

// ErrTooManySkips aborts a scan once too many consecutive blocks could not be fetched.
var ErrTooManySkips = errors.New("too many consecutive blocks skipped")

// ChainReader fetches blocks and their Transfer logs.
type ChainReader interface {
	FetchBlock(ctx context.Context, number uint64) (*domain.RawBlock, error)
	FetchTransferLogs(ctx context.Context, number uint64) ([]domain.RawLog, error)
}

// BlockData is a fetched block with its Transfer logs.
// LogsFailed is set when the block was fetched but its logs were not.
type BlockData struct {
	Block      *domain.RawBlock
	Logs       []domain.RawLog
	LogsFailed bool
}

// Batch is a contiguous block range. Blocks are in increasing order;
// Skipped lists the numbers in [From, To] whose block could not be fetched.
type Batch struct {
	From    uint64
	To      uint64
	Blocks  []BlockData
	Skipped []uint64
}

// ScanResult summarizes a scan.
// LastCompleted is meaningful only when Completed is set.
type ScanResult struct {
	LastCompleted uint64
	Completed     bool
	Batches       int
	Blocks        int
	Skipped       int
	LogFailures   int
}

// Scanner fetches blocks sequentially through a ChainReader.
type Scanner struct {
	reader              ChainReader
	batchSize           uint64
	maxConsecutiveSkips int
	logger              *zap.Logger
}

// New creates a scanner. maxConsecutiveSkips <= 0 disables skip escalation.
func New(reader ChainReader, batchSize uint64, maxConsecutiveSkips int, logger *zap.Logger) *Scanner {
	if batchSize == 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scanner{
		reader:              reader,
		batchSize:           batchSize,
		maxConsecutiveSkips: maxConsecutiveSkips,
		logger:              logger,
	}
}

// Scan fetches [from, to] batch by batch and hands every fully fetched batch to handle.
// Cancellation is honored between batches; a batch interrupted by cancellation is discarded.
// An error from handle stops the scan and is returned as is.
func (s *Scanner) Scan(ctx context.Context, from, to uint64, handle func(ctx context.Context, b Batch) error) (ScanResult, error) {
	var res ScanResult
	if from > to {
		return res, nil
	}

	consecutive := 0
	for start := from; ; {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		end := to
		if to-start >= s.batchSize {
			end = start + s.batchSize - 1
		}

		batch := Batch{From: start, To: end, Blocks: make([]BlockData, 0, end-start+1)}
		for n := start; ; n++ {
			data, err := s.fetch(ctx, n)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}

			if err != nil {
				batch.Skipped = append(batch.Skipped, n)
				consecutive++
				s.logger.Warn("skipping block", zap.Uint64("block", n), zap.Int("consecutive", consecutive), zap.Error(err))

				if s.maxConsecutiveSkips > 0 && consecutive >= s.maxConsecutiveSkips {
					return res, errors.Wrapf(ErrTooManySkips, "%d blocks up to %d", consecutive, n)
				}
			} else {
				consecutive = 0
				batch.Blocks = append(batch.Blocks, data)
			}

			if n == end {
				break
			}
		}

		if err := handle(ctx, batch); err != nil {
			return res, err
		}

		res.LastCompleted = end
		res.Completed = true
		res.Batches++
		res.Blocks += len(batch.Blocks)
		res.Skipped += len(batch.Skipped)
		for _, b := range batch.Blocks {
			if b.LogsFailed {
				res.LogFailures++
			}
		}

		s.logger.Debug("batch scanned",
			zap.Uint64("from", start),
			zap.Uint64("to", end),
			zap.Int("blocks", len(batch.Blocks)),
			zap.Int("skipped", len(batch.Skipped)),
		)

		if end == to {
			return res, nil
		}
		start = end + 1
	}
}

func (s *Scanner) fetch(ctx context.Context, n uint64) (BlockData, error) {
	block, err := s.reader.FetchBlock(ctx, n)
	if err != nil {
		return BlockData{}, errors.Wrap(err, "fetch block")
	}

	data := BlockData{Block: block}

	logs, err := s.reader.FetchTransferLogs(ctx, n)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("skipping token transfers of block", zap.Uint64("block", n), zap.Error(err))
		}
		data.LogsFailed = true
		return data, nil
	}
	data.Logs = logs

	return data, nil
}

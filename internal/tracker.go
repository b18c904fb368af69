package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/internal/domain"
	"github.com/xdc-intel/transferscan/internal/metrics"
	"github.com/xdc-intel/transferscan/internal/services/classifier"
	"github.com/xdc-intel/transferscan/internal/services/scanner"
	"github.com/xdc-intel/transferscan/internal/services/threshold"
)

// ErrScanAborted wraps every error that ends a run without advancing the checkpoint.
var ErrScanAborted = errors.New("scan aborted")

type ChainReader interface {
	scanner.ChainReader
	LatestBlock(ctx context.Context) (uint64, error)
}

type CheckpointStore interface {
	Load() (uint64, bool)
	Save(block uint64) error
}

type ArtifactSink interface {
	Write(runAt time.Time, records []domain.TransferRecord) (string, error)
}

type RecordPublisher interface {
	Publish(ctx context.Context, runID, artifact string, records []domain.TransferRecord) error
}

type PriceOracle interface {
	threshold.PriceSource
	Prefetch(ctx context.Context, wants map[string]decimal.Decimal)
}

// TrackerParams holds the collaborators of a Tracker. Publisher, Metrics and Endpoints are optional.
type TrackerParams struct {
	Chain       ChainReader
	Scanner     *scanner.Scanner
	Classifier  *classifier.Classifier
	Prices      PriceOracle
	Filter      *threshold.Filter
	Checkpoints CheckpointStore
	Sink        ArtifactSink
	Publisher   RecordPublisher
	Metrics     *metrics.Metrics
	Endpoints   func() []domain.Endpoint

	LookbackBlocks  uint64
	Confirmations   uint64
	MetricsTextfile string

	Clock    func() time.Time
	NewRunID func() string
}

// RunReport describes one scan run.
type RunReport struct {
	RunID       string
	Tip         uint64
	From        uint64
	To          uint64
	NoNewBlocks bool
	Scan        scanner.ScanResult

	Candidates int
	Qualified  int
	Skips      int

	Artifact   string
	Checkpoint uint64
	Saved      bool
}

// Tracker runs the scan pipeline: checkpoint, scan, classify, value, publish, checkpoint.
type Tracker struct {
	p      TrackerParams
	logger *zap.Logger
}

func NewTracker(p TrackerParams, logger *zap.Logger) *Tracker {
	if p.Metrics == nil {
		p.Metrics = metrics.New()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.NewRunID == nil {
		p.NewRunID = func() string { return uuid.NewString() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{p: p, logger: logger}
}

// Run repeats RunOnce every interval until ctx is done. A non-positive interval runs once.
// Failed runs are logged and retried on the next tick.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		_, err := t.RunOnce(ctx)
		return err
	}

	t.logger.Info("Starting scan loop", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := t.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Error("Scan run failed, retrying on next tick", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			t.logger.Info("Context done, stopping scan loop")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scan from the checkpoint to the chain tip.
// On cancellation the completed batches are still published and checkpointed, then ctx.Err() is returned.
func (t *Tracker) RunOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{RunID: t.p.NewRunID()}
	logger := t.logger.With(zap.String("run_id", report.RunID))
	started := t.p.Clock()

	err := t.run(ctx, started, &report, logger)

	status := metrics.StatusOK
	switch {
	case err != nil && ctx.Err() != nil:
		status = metrics.StatusCancelled
	case err != nil:
		status = metrics.StatusFailed
		logger.Error("Scan run failed", zap.Error(err))
	case report.NoNewBlocks:
		status = metrics.StatusNoBlocks
	}
	t.p.Metrics.RunFinished(status, started, t.p.Clock())
	t.logEndpointHealth(logger)

	if t.p.MetricsTextfile != "" {
		if werr := t.p.Metrics.WriteTextfile(t.p.MetricsTextfile); werr != nil {
			logger.Warn("Failed to write metrics textfile", zap.Error(werr))
		}
	}

	return report, err
}

func (t *Tracker) run(ctx context.Context, runAt time.Time, report *RunReport, logger *zap.Logger) error {
	tip, err := t.p.Chain.LatestBlock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: latest block: %w", ErrScanAborted, err)
	}
	if tip < t.p.Confirmations {
		report.NoNewBlocks = true
		logger.Info("Chain tip below confirmation depth", zap.Uint64("tip", tip))
		return nil
	}
	tip -= t.p.Confirmations
	report.Tip = tip

	last, hasCheckpoint := t.p.Checkpoints.Load()
	start := t.startBlock(tip, last, hasCheckpoint, logger)
	if start > tip {
		report.NoNewBlocks = true
		logger.Info("No new blocks", zap.Uint64("checkpoint", last), zap.Uint64("tip", tip))
		return nil
	}
	report.From, report.To = start, tip

	logger.Info("Scanning blocks",
		zap.Uint64("from", start),
		zap.Uint64("to", tip),
		zap.Uint64("blocks", tip-start+1),
		zap.String("threshold_usd", t.p.Filter.Threshold().String()),
	)

	var records []domain.TransferRecord
	res, scanErr := t.p.Scanner.Scan(ctx, start, tip, func(ctx context.Context, b scanner.Batch) error {
		qualified, err := t.processBatch(ctx, b, report)
		if err != nil {
			return err
		}
		records = append(records, qualified...)
		return nil
	})
	report.Scan = res

	cancelled := scanErr != nil && ctx.Err() != nil
	if scanErr != nil && !cancelled {
		return fmt.Errorf("%w: %w", ErrScanAborted, scanErr)
	}
	if !res.Completed {
		return scanErr
	}

	if err := t.persist(ctx, runAt, res.LastCompleted, last, hasCheckpoint, records, report, logger); err != nil {
		return err
	}

	logger.Info("Scan run finished",
		zap.Uint64("checkpoint", report.Checkpoint),
		zap.Int("blocks", res.Blocks),
		zap.Int("skipped_blocks", res.Skipped),
		zap.Int("candidates", report.Candidates),
		zap.Int("qualified", report.Qualified),
		zap.String("artifact", report.Artifact),
		zap.Bool("cancelled", cancelled),
	)

	return scanErr
}

func (t *Tracker) logEndpointHealth(logger *zap.Logger) {
	if t.p.Endpoints == nil {
		return
	}

	for _, ep := range t.p.Endpoints() {
		if ep.Health != domain.EndpointHealthy {
			logger.Warn("RPC endpoint unhealthy at run end",
				zap.String("endpoint", ep.URL),
				zap.Stringer("health", ep.Health),
			)
		}
	}
}

// startBlock resumes after the checkpoint but never reaches back further than the lookback window.
func (t *Tracker) startBlock(tip, last uint64, hasCheckpoint bool, logger *zap.Logger) uint64 {
	var floor uint64
	if tip > t.p.LookbackBlocks {
		floor = tip - t.p.LookbackBlocks
	}

	if !hasCheckpoint {
		return floor
	}

	start := last + 1
	if start < floor {
		logger.Info("Checkpoint older than lookback window, clamping",
			zap.Uint64("checkpoint", last),
			zap.Uint64("start", floor),
		)
		return floor
	}

	return start
}

func (t *Tracker) processBatch(ctx context.Context, b scanner.Batch, report *RunReport) ([]domain.TransferRecord, error) {
	var (
		candidates []domain.TransferRecord
		skips      int
		logFails   int
	)

	for _, d := range b.Blocks {
		results := t.p.Classifier.Native(d.Block)
		if d.LogsFailed {
			logFails++
		} else {
			results = append(results, t.p.Classifier.Tokens(ctx, d.Block, d.Logs)...)
		}

		for _, r := range results {
			switch r.Outcome {
			case domain.OutcomeOK:
				candidates = append(candidates, r.Record)
			case domain.OutcomeSkip:
				skips++
			case domain.OutcomeFatal:
				return nil, r.Err
			}
		}
	}

	wants := make(map[string]decimal.Decimal)
	for _, c := range candidates {
		symbol := c.QuoteSymbol()
		if cur, ok := wants[symbol]; !ok || !cur.IsPositive() {
			wants[symbol] = c.Fallback
		}
	}
	t.p.Prices.Prefetch(ctx, wants)

	qualified, stats := t.p.Filter.Apply(ctx, candidates)

	// prices resolved under a cancelled context may be degraded
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.Candidates += len(candidates)
	report.Qualified += len(qualified)
	report.Skips += skips

	m := t.p.Metrics
	m.BlocksScanned.Add(float64(len(b.Blocks)))
	m.BlocksSkipped.Add(float64(len(b.Skipped)))
	m.LogFetchFailures.Add(float64(logFails))
	m.ClassifySkips.Add(float64(skips))
	m.RecordsQualified.Add(float64(stats.Qualified))
	m.RecordsUnpriced.Add(float64(stats.UnknownPrice))

	return qualified, nil
}

// persist publishes the artifact and only then advances the checkpoint.
func (t *Tracker) persist(
	ctx context.Context,
	runAt time.Time,
	completed, last uint64,
	hasCheckpoint bool,
	records []domain.TransferRecord,
	report *RunReport,
	logger *zap.Logger,
) error {
	path, err := t.p.Sink.Write(runAt, records)
	if err != nil {
		return fmt.Errorf("%w: publish artifact: %w", ErrScanAborted, err)
	}
	report.Artifact = path

	if path != "" {
		logger.Info("Artifact published", zap.String("path", path), zap.Int("records", len(records)))

		if t.p.Publisher != nil {
			if err := t.p.Publisher.Publish(ctx, report.RunID, path, records); err != nil {
				logger.Warn("Failed to publish transfers to broker", zap.Error(err))
			}
		}
	}

	checkpoint := completed
	if hasCheckpoint && checkpoint < last {
		checkpoint = last
	}
	if err := t.p.Checkpoints.Save(checkpoint); err != nil {
		return fmt.Errorf("%w: save checkpoint: %w", ErrScanAborted, err)
	}
	report.Checkpoint = checkpoint
	report.Saved = true
	t.p.Metrics.CheckpointBlock.Set(float64(checkpoint))

	return nil
}

package internal

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/config"
	"github.com/xdc-intel/transferscan/internal/clients"
	"github.com/xdc-intel/transferscan/internal/metrics"
	"github.com/xdc-intel/transferscan/internal/publisher"
	"github.com/xdc-intel/transferscan/internal/services/classifier"
	"github.com/xdc-intel/transferscan/internal/services/pricer"
	"github.com/xdc-intel/transferscan/internal/services/scanner"
	"github.com/xdc-intel/transferscan/internal/services/threshold"
	"github.com/xdc-intel/transferscan/internal/services/tokenmeta"
	"github.com/xdc-intel/transferscan/internal/storage/artifact"
	"github.com/xdc-intel/transferscan/internal/storage/checkpoint"
	"github.com/xdc-intel/transferscan/internal/storage/pricecache"
	"github.com/xdc-intel/transferscan/pkg/ratelimit"
)

// NewTrackerFromConfig connects to the configured endpoints and wires the scan pipeline.
// The returned closer releases the endpoint pool, the price journal and the broker writer.
func NewTrackerFromConfig(ctx context.Context, conf config.Config, logger *zap.Logger) (*Tracker, func(), error) {
	m := metrics.New()

	pool, err := clients.Connect(ctx, conf.RPCURLs, clients.PoolOptions{
		RateLimit:    conf.RPCRateLimit.Calls,
		RatePeriod:   conf.RPCRateLimit.Period,
		Retries:      conf.RPCRetries,
		Backoff:      conf.RPCBackoff,
		ProbeTimeout: conf.ProbeTimeout,
		OnFailure:    m.EndpointFailed,
	}, logger.Named("rpc"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to RPC endpoints")
	}
	closers := []func(){pool.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reader := clients.NewEVMReader(pool, conf.AllowList())
	tokens := tokenmeta.NewResolver(reader, tokenOverrides(conf.Tokens), logger.Named("tokenmeta"))

	journal, err := pricecache.NewWALStore(conf.PriceCacheDir)
	if err != nil {
		closeAll()
		return nil, nil, errors.Wrap(err, "failed to open price journal")
	}
	closers = append(closers, func() {
		if err := journal.Close(); err != nil {
			logger.Warn("Failed to close price journal", zap.Error(err))
		}
	})

	oracle := pricer.NewOracle(
		clients.NewQuotesClient(conf.PriceAPIURL, conf.PriceAPIKey),
		ratelimit.New(conf.PriceRateLimit.Calls, conf.PriceRateLimit.Period),
		conf.PriceFreshness,
		pricer.WithLogger(logger.Named("pricer")),
		pricer.WithJournal(journal),
		pricer.WithAliases(priceAliases(conf.Tokens)),
		pricer.WithDegradationHook(m.PriceDegraded),
	)

	var pub RecordPublisher
	if conf.Kafka.Enabled() {
		kp := publisher.NewKafkaPublisher(conf.Kafka, logger.Named("kafka"))
		pub = kp
		closers = append(closers, func() {
			if err := kp.Close(); err != nil {
				logger.Warn("Failed to close kafka publisher", zap.Error(err))
			}
		})
	}

	tracker := NewTracker(TrackerParams{
		Chain:           reader,
		Scanner:         scanner.New(reader, conf.BatchSize, conf.MaxConsecutiveSkips, logger.Named("scanner")),
		Classifier:      classifier.New(conf.Native, tokens, logger.Named("classifier")),
		Prices:          oracle,
		Filter:          threshold.New(oracle, conf.ThresholdUSD, logger.Named("threshold")),
		Checkpoints:     checkpoint.NewStore(conf.CheckpointFile),
		Sink:            artifact.NewWriter(conf.OutputDir, conf.OutputPrefix, conf.Unit()),
		Publisher:       pub,
		Metrics:         m,
		Endpoints:       pool.Endpoints,
		LookbackBlocks:  conf.LookbackBlocks,
		Confirmations:   conf.Confirmations,
		MetricsTextfile: conf.MetricsTextfile,
	}, logger)

	return tracker, closeAll, nil
}

func tokenOverrides(tokens []config.TokenConfig) map[common.Address]tokenmeta.Override {
	out := make(map[common.Address]tokenmeta.Override, len(tokens))
	for _, t := range tokens {
		out[t.Address] = tokenmeta.Override{
			Symbol:        t.Symbol,
			Decimals:      t.Decimals,
			PriceSymbol:   t.PriceSymbol,
			FallbackPrice: t.FallbackPrice,
		}
	}

	return out
}

func priceAliases(tokens []config.TokenConfig) map[string]string {
	out := make(map[string]string)
	for _, t := range tokens {
		if t.Symbol != "" && t.PriceSymbol != "" && t.Symbol != t.PriceSymbol {
			out[t.Symbol] = t.PriceSymbol
		}
	}

	return out
}

// Package metrics keeps Prometheus counters for scan runs and exports them as a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "transferscan"

// Run status labels.
const (
	StatusOK        = "ok"
	StatusNoBlocks  = "no_new_blocks"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type Metrics struct {
	registry *prometheus.Registry

	BlocksScanned     prometheus.Counter
	BlocksSkipped     prometheus.Counter
	LogFetchFailures  prometheus.Counter
	RecordsQualified  prometheus.Counter
	RecordsUnpriced   prometheus.Counter
	ClassifySkips     prometheus.Counter
	EndpointFailures  *prometheus.CounterVec
	PriceDegradations *prometheus.CounterVec
	Runs              *prometheus.CounterVec
	CheckpointBlock   prometheus.Gauge
	LastRunTimestamp  prometheus.Gauge
	LastRunDuration   prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BlocksScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_scanned_total",
			Help:      "Blocks fetched and classified.",
		}),
		BlocksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_skipped_total",
			Help:      "Blocks skipped after a fetch failure.",
		}),
		LogFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_fetch_failures_total",
			Help:      "Blocks whose Transfer logs could not be fetched.",
		}),
		RecordsQualified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_qualified_total",
			Help:      "Transfers at or above the USD threshold.",
		}),
		RecordsUnpriced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_unpriced_total",
			Help:      "Transfers excluded because their price was unknown.",
		}),
		ClassifySkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_skips_total",
			Help:      "Logs skipped as malformed.",
		}),
		EndpointFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_failures_total",
			Help:      "Failed RPC calls per endpoint.",
		}, []string{"endpoint"}),
		PriceDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_degradations_total",
			Help:      "Price lookups served stale, from fallback, or as unknown.",
		}, []string{"symbol"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Scan runs by outcome.",
		}, []string{"status"}),
		CheckpointBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_block",
			Help:      "Last checkpointed block.",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		LastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
	}

	m.registry.MustRegister(
		m.BlocksScanned,
		m.BlocksSkipped,
		m.LogFetchFailures,
		m.RecordsQualified,
		m.RecordsUnpriced,
		m.ClassifySkips,
		m.EndpointFailures,
		m.PriceDegradations,
		m.Runs,
		m.CheckpointBlock,
		m.LastRunTimestamp,
		m.LastRunDuration,
	)

	return m
}

// EndpointFailed matches clients.PoolOptions.OnFailure.
func (m *Metrics) EndpointFailed(url string, _ error) {
	m.EndpointFailures.WithLabelValues(url).Inc()
}

// PriceDegraded matches the pricer degradation hook.
func (m *Metrics) PriceDegraded(symbol string) {
	m.PriceDegradations.WithLabelValues(symbol).Inc()
}

// RunFinished records the outcome of one run.
func (m *Metrics) RunFinished(status string, started, finished time.Time) {
	m.Runs.WithLabelValues(status).Inc()
	m.LastRunTimestamp.Set(float64(finished.Unix()))
	m.LastRunDuration.Set(finished.Sub(started).Seconds())
}

// WriteTextfile atomically writes every metric to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrapf(err, "write metrics to %s", path)
	}

	return nil
}

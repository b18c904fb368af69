// Package pricer provides USD prices from a rate-limited quote source behind a time-boxed cache.
package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xdc-intel/transferscan/internal/domain"
	"github.com/xdc-intel/transferscan/pkg/ratelimit"
)

const prefetchConcurrency = 4

// QuoteSource returns the latest USD price of a symbol.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Journal persists refreshed entries across runs.
type Journal interface {
	Load() (map[string]domain.PriceEntry, error)
	Save(entry domain.PriceEntry) error
}

// Oracle serves prices from cache while they are fresh and refreshes them through the quote source otherwise.
// It never fails: on source errors it degrades to the stale cached price, the caller's fallback, or zero.
// Zero means the price is unknown. A failed symbol is not asked again until the freshness window has passed.
type Oracle struct {
	src       QuoteSource
	limiter   *ratelimit.Limiter
	freshness time.Duration

	now        func() time.Time
	logger     *zap.Logger
	journal    Journal
	aliases    map[string]string
	onDegraded func(symbol string)

	mu       sync.RWMutex
	entries  map[string]domain.PriceEntry
	failedAt map[string]time.Time
	group    singleflight.Group
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithClock overrides the time source used for freshness.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		o.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Oracle) {
		o.logger = logger
	}
}

// WithJournal replays entries from j at construction and saves every refresh to it.
func WithJournal(j Journal) Option {
	return func(o *Oracle) {
		o.journal = j
	}
}

// WithAliases maps a symbol to the symbol actually quoted, e.g. USDC.e to USDC.
func WithAliases(aliases map[string]string) Option {
	return func(o *Oracle) {
		for from, to := range aliases {
			o.aliases[from] = to
		}
	}
}

// WithDegradationHook is called whenever a refresh fails for a reason other than cancellation.
func WithDegradationHook(fn func(symbol string)) Option {
	return func(o *Oracle) {
		o.onDegraded = fn
	}
}

// NewOracle creates an oracle. Every call to src first acquires limiter.
func NewOracle(src QuoteSource, limiter *ratelimit.Limiter, freshness time.Duration, opts ...Option) *Oracle {
	o := &Oracle{
		src:       src,
		limiter:   limiter,
		freshness: freshness,
		now:       time.Now,
		logger:    zap.NewNop(),
		aliases:   make(map[string]string),
		entries:   make(map[string]domain.PriceEntry),
		failedAt:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.journal != nil {
		entries, err := o.journal.Load()
		if err != nil {
			o.logger.Warn("failed to replay price journal", zap.Error(err))
		}
		for symbol, e := range entries {
			o.entries[symbol] = e
		}
	}

	return o
}

// Price returns the USD price of symbol, or zero when it is unknown.
func (o *Oracle) Price(ctx context.Context, symbol string) decimal.Decimal {
	return o.PriceOr(ctx, symbol, decimal.Zero)
}

// PriceOr is Price with a fallback used when the source fails and no price was ever cached.
func (o *Oracle) PriceOr(ctx context.Context, symbol string, fallback decimal.Decimal) decimal.Decimal {
	symbol = o.quoteSymbol(symbol)
	if symbol == "" {
		return decimal.Zero
	}

	if e, ok := o.fresh(symbol); ok {
		return e.Price
	}
	if o.failedRecently(symbol) {
		price, _ := o.substitute(symbol, fallback)
		return price
	}

	v, _, _ := o.group.Do(symbol, func() (any, error) {
		// another caller may have refreshed while we waited
		if e, ok := o.fresh(symbol); ok {
			return e.Price, nil
		}
		if o.failedRecently(symbol) {
			price, _ := o.substitute(symbol, fallback)
			return price, nil
		}
		return o.refresh(ctx, symbol, fallback), nil
	})

	price := v.(decimal.Decimal)
	// a shared refresh may have degraded with another caller's fallback
	if price.IsZero() && fallback.IsPositive() {
		return fallback
	}

	return price
}

// Prefetch warms the cache concurrently. wants maps each symbol to its fallback price, zero when there is none.
func (o *Oracle) Prefetch(ctx context.Context, wants map[string]decimal.Decimal) {
	merged := make(map[string]decimal.Decimal, len(wants))
	for s, fallback := range wants {
		s = o.quoteSymbol(s)
		if s == "" {
			continue
		}
		if cur, ok := merged[s]; !ok || (!cur.IsPositive() && fallback.IsPositive()) {
			merged[s] = fallback
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)

	for s, fallback := range merged {
		g.Go(func() error {
			o.PriceOr(gctx, s, fallback)
			return nil
		})
	}

	_ = g.Wait()
}

func (o *Oracle) quoteSymbol(symbol string) string {
	if alias, ok := o.aliases[symbol]; ok {
		return alias
	}

	return symbol
}

func (o *Oracle) fresh(symbol string) (domain.PriceEntry, bool) {
	o.mu.RLock()
	e, ok := o.entries[symbol]
	o.mu.RUnlock()

	if !ok || !e.FreshAt(o.now(), o.freshness) {
		return domain.PriceEntry{}, false
	}

	return e, true
}

func (o *Oracle) failedRecently(symbol string) bool {
	o.mu.RLock()
	at, ok := o.failedAt[symbol]
	o.mu.RUnlock()

	return ok && o.now().Sub(at) < o.freshness
}

func (o *Oracle) refresh(ctx context.Context, symbol string, fallback decimal.Decimal) decimal.Decimal {
	if err := o.limiter.Acquire(ctx); err != nil {
		return o.degrade(ctx, symbol, fallback, errors.Wrap(err, "wait for price API budget"))
	}

	price, err := o.src.Quote(ctx, symbol)
	if err != nil {
		return o.degrade(ctx, symbol, fallback, err)
	}
	if !price.IsPositive() {
		return o.degrade(ctx, symbol, fallback, errors.Errorf("non-positive price %s", price))
	}

	entry := domain.PriceEntry{Symbol: symbol, Price: price, FetchedAt: o.now()}

	o.mu.Lock()
	o.entries[symbol] = entry
	delete(o.failedAt, symbol)
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.Save(entry); err != nil {
			o.logger.Warn("failed to journal price", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	o.logger.Debug("price refreshed", zap.String("symbol", symbol), zap.String("price", price.String()))

	return price
}

// degrade records a failed refresh and returns the best substitute price.
// Failures caused by cancellation are neither recorded nor reported.
func (o *Oracle) degrade(ctx context.Context, symbol string, fallback decimal.Decimal, cause error) decimal.Decimal {
	price, source := o.substitute(symbol, fallback)
	if ctx.Err() != nil {
		return price
	}

	o.mu.Lock()
	o.failedAt[symbol] = o.now()
	e := o.entries[symbol]
	o.mu.Unlock()

	if o.onDegraded != nil {
		o.onDegraded(symbol)
	}

	switch source {
	case sourceStale:
		o.logger.Warn("price refresh failed, using stale price",
			zap.String("symbol", symbol),
			zap.String("price", e.Price.String()),
			zap.Time("fetched_at", e.FetchedAt),
			zap.Error(cause),
		)
	case sourceFallback:
		o.logger.Warn("price refresh failed, using fallback price",
			zap.String("symbol", symbol),
			zap.String("price", price.String()),
			zap.Error(cause),
		)
	default:
		o.logger.Warn("price refresh failed, price unknown", zap.String("symbol", symbol), zap.Error(cause))
	}

	return price
}

type priceSource int

const (
	sourceNone priceSource = iota
	sourceStale
	sourceFallback
)

// substitute picks the stale cached price, then the fallback, then zero.
func (o *Oracle) substitute(symbol string, fallback decimal.Decimal) (decimal.Decimal, priceSource) {
	o.mu.RLock()
	e, ok := o.entries[symbol]
	o.mu.RUnlock()

	if ok {
		return e.Price, sourceStale
	}
	if fallback.IsPositive() {
		return fallback, sourceFallback
	}

	return decimal.Zero, sourceNone
}

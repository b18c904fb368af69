package pricer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xdc-intel/transferscan/internal/domain"
	"github.com/xdc-intel/transferscan/pkg/ratelimit"
)

type fakeSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	calls  map[string]int
}

func newFakeSource(prices map[string]string) *fakeSource {
	s := &fakeSource{prices: make(map[string]decimal.Decimal), calls: make(map[string]int)}
	for sym, p := range prices {
		s.prices[sym] = decimal.RequireFromString(p)
	}
	return s
}

func (s *fakeSource) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++

	if s.err != nil {
		return decimal.Zero, s.err
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, errors.New("quote not found")
	}
	return p, nil
}

func (s *fakeSource) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func (s *fakeSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) Set(symbol, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = decimal.RequireFromString(price)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

type memJournal struct {
	mu      sync.Mutex
	entries map[string]domain.PriceEntry
	saved   []domain.PriceEntry
}

func (j *memJournal) Load() (map[string]domain.PriceEntry, error) {
	return j.entries, nil
}

func (j *memJournal) Save(e domain.PriceEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved = append(j.saved, e)
	return nil
}

func newTestOracle(src QuoteSource, clock *testClock, opts ...Option) *Oracle {
	limiter := ratelimit.New(30, time.Minute, ratelimit.WithClock(clock.Now), ratelimit.WithSleeper(clock.Sleep))
	return NewOracle(src, limiter, 600*time.Second, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func cachedEntry(o *Oracle, symbol string) (domain.PriceEntry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[o.quoteSymbol(symbol)]
	return e, ok
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)}
}

func TestOracle_FreshnessWindow(t *testing.T) {
	clock := newTestClock()
	src := newFakeSource(map[string]string{"XDC": "0.05"})
	o := newTestOracle(src, clock)
	ctx := context.Background()

	assert.True(t, decimal.RequireFromString("0.05").Equal(o.Price(ctx, "XDC")))
	assert.Equal(t, 1, src.Calls("XDC"))

	// inside the window: never a network call
	for i := 0; i < 10; i++ {
		clock.Advance(59 * time.Second)
		o.Price(ctx, "XDC")
	}
	assert.Equal(t, 1, src.Calls("XDC"))

	// past the window: exactly one call, fetched_at refreshed
	clock.Advance(11 * time.Second)
	src.Set("XDC", "0.06")

	assert.True(t, decimal.RequireFromString("0.06").Equal(o.Price(ctx, "XDC")))
	assert.True(t, decimal.RequireFromString("0.06").Equal(o.Price(ctx, "XDC")))
	assert.Equal(t, 2, src.Calls("XDC"))

	entry, ok := cachedEntry(o, "XDC")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), entry.FetchedAt)
}

func TestOracle_DegradesToStalePrice(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	clock := newTestClock()
	src := newFakeSource(map[string]string{"XDC": "0.05"})
	var degraded []string
	o := newTestOracle(src, clock, WithLogger(zap.New(core)), WithDegradationHook(func(s string) {
		degraded = append(degraded, s)
	}))
	ctx := context.Background()

	o.Price(ctx, "XDC")
	clock.Advance(time.Hour)
	src.Fail(errors.New("503 service unavailable"))

	assert.True(t, decimal.RequireFromString("0.05").Equal(o.Price(ctx, "XDC")))
	assert.Equal(t, []string{"XDC"}, degraded)
	assert.Equal(t, 1, logs.FilterMessage("price refresh failed, using stale price").Len())
}

func TestOracle_UnknownPriceIsZero(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	src := newFakeSource(nil)
	src.Fail(errors.New("timeout"))
	o := newTestOracle(src, newTestClock(), WithLogger(zap.New(core)))

	assert.True(t, o.Price(context.Background(), "WXDC").IsZero())
	assert.Equal(t, 1, logs.FilterMessage("price refresh failed, price unknown").Len())

	_, ok := cachedEntry(o, "WXDC")
	assert.False(t, ok, "failures are not cached")
}

func TestOracle_NonPositiveQuoteIsDegradation(t *testing.T) {
	src := newFakeSource(map[string]string{"DUST": "0"})
	o := newTestOracle(src, newTestClock())

	assert.True(t, o.Price(context.Background(), "DUST").IsZero())
	_, ok := cachedEntry(o, "DUST")
	assert.False(t, ok)
}

func TestOracle_FallbackAndAliases(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	src := newFakeSource(nil)
	src.Fail(errors.New("quota exceeded"))
	o := newTestOracle(src, newTestClock(), WithLogger(zap.New(core)), WithAliases(map[string]string{"USDC.e": "USDC"}))
	ctx := context.Background()

	assert.True(t, decimal.NewFromInt(1).Equal(o.PriceOr(ctx, "USDC.e", decimal.NewFromInt(1))))
	assert.Equal(t, 1, src.Calls("USDC"))
	assert.Zero(t, src.Calls("USDC.e"))
	assert.Equal(t, 1, logs.FilterMessage("price refresh failed, using fallback price").Len())

	assert.True(t, o.PriceOr(ctx, "BAD", decimal.Zero).IsZero(), "non-positive fallbacks are ignored")
	assert.True(t, o.Price(ctx, "USDC").IsZero(), "fallbacks belong to the caller")
}

func TestOracle_FailedSymbolIsNotRetriedWithinWindow(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	clock := newTestClock()
	src := newFakeSource(nil)
	var degraded int
	o := newTestOracle(src, clock, WithLogger(zap.New(core)), WithDegradationHook(func(string) { degraded++ }))
	ctx := context.Background()
	start := clock.Now()

	o.Prefetch(ctx, map[string]decimal.Decimal{domain.UnknownSymbol: decimal.Zero})
	for i := 0; i < 100; i++ {
		assert.True(t, o.Price(ctx, domain.UnknownSymbol).IsZero())
	}

	assert.Equal(t, 1, src.Calls(domain.UnknownSymbol))
	assert.Equal(t, 1, degraded)
	assert.Equal(t, 1, logs.FilterMessage("price refresh failed, price unknown").Len())
	assert.Equal(t, start, clock.Now(), "no time spent waiting for the price budget")

	// the window has passed: one more attempt, which now succeeds
	clock.Advance(601 * time.Second)
	src.Set(domain.UnknownSymbol, "2")
	assert.True(t, decimal.NewFromInt(2).Equal(o.Price(ctx, domain.UnknownSymbol)))
	assert.True(t, decimal.NewFromInt(2).Equal(o.Price(ctx, domain.UnknownSymbol)))
	assert.Equal(t, 2, src.Calls(domain.UnknownSymbol))
}

func TestOracle_FailedSymbolServesStalePriceWithinWindow(t *testing.T) {
	clock := newTestClock()
	src := newFakeSource(map[string]string{"XDC": "0.05"})
	o := newTestOracle(src, clock)
	ctx := context.Background()

	o.Price(ctx, "XDC")
	clock.Advance(time.Hour)
	src.Fail(errors.New("503 service unavailable"))

	for i := 0; i < 10; i++ {
		assert.True(t, decimal.RequireFromString("0.05").Equal(o.Price(ctx, "XDC")))
	}
	assert.Equal(t, 2, src.Calls("XDC"))
}

func TestOracle_CancelledRefreshIsNotDegradation(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	src := newFakeSource(map[string]string{"XDC": "0.05"})
	var degraded int
	o := newTestOracle(src, newTestClock(), WithLogger(zap.New(core)), WithDegradationHook(func(string) { degraded++ }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, o.Price(ctx, "XDC").IsZero())
	assert.Zero(t, degraded)
	assert.Zero(t, logs.Len())

	// the cancelled attempt is not remembered as a failure
	assert.True(t, decimal.RequireFromString("0.05").Equal(o.Price(context.Background(), "XDC")))
}

func TestOracle_Journal(t *testing.T) {
	clock := newTestClock()
	journal := &memJournal{entries: map[string]domain.PriceEntry{
		"XDC":  {Symbol: "XDC", Price: decimal.RequireFromString("0.04"), FetchedAt: clock.Now().Add(-time.Minute)},
		"USDT": {Symbol: "USDT", Price: decimal.RequireFromString("1"), FetchedAt: clock.Now().Add(-time.Hour)},
	}}
	src := newFakeSource(map[string]string{"XDC": "0.05", "USDT": "0.999"})
	o := newTestOracle(src, clock, WithJournal(journal))
	ctx := context.Background()

	assert.True(t, decimal.RequireFromString("0.04").Equal(o.Price(ctx, "XDC")), "fresh journal entry served from cache")
	assert.Zero(t, src.Calls("XDC"))

	assert.True(t, decimal.RequireFromString("0.999").Equal(o.Price(ctx, "USDT")), "stale journal entry refreshed")
	require.Len(t, journal.saved, 1)
	assert.Equal(t, "USDT", journal.saved[0].Symbol)
}

func TestOracle_PrefetchDeduplicates(t *testing.T) {
	src := newFakeSource(map[string]string{"XDC": "0.05", "USDT": "1", "USDC": "1"})
	o := newTestOracle(src, newTestClock(), WithAliases(map[string]string{"USDC.e": "USDC"}))

	o.Prefetch(context.Background(), map[string]decimal.Decimal{
		"XDC":    decimal.Zero,
		"USDT":   decimal.NewFromInt(1),
		"USDC.e": decimal.NewFromInt(1),
		"USDC":   decimal.Zero,
		"":       decimal.Zero,
	})

	assert.Equal(t, 1, src.Calls("XDC"))
	assert.Equal(t, 1, src.Calls("USDT"))
	assert.Equal(t, 1, src.Calls("USDC"))

	for _, s := range []string{"XDC", "USDT", "USDC"} {
		_, ok := cachedEntry(o, s)
		assert.True(t, ok, s)
	}
}

func TestOracle_ConcurrentLookupsShareOneRefresh(t *testing.T) {
	src := newFakeSource(map[string]string{"XDC": "0.05"})
	o := newTestOracle(src, newTestClock())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, decimal.RequireFromString("0.05").Equal(o.Price(context.Background(), "XDC")))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, src.Calls("XDC"))
}

func TestOracle_RespectsPriceBudget(t *testing.T) {
	clock := newTestClock()
	limiter := ratelimit.New(2, time.Minute, ratelimit.WithClock(clock.Now), ratelimit.WithSleeper(clock.Sleep))
	src := newFakeSource(map[string]string{"A": "1", "B": "1", "C": "1"})
	o := NewOracle(src, limiter, 600*time.Second, WithClock(clock.Now))
	start := clock.Now()

	o.Price(context.Background(), "A")
	o.Price(context.Background(), "B")
	o.Price(context.Background(), "C")

	assert.Equal(t, start.Add(time.Minute), clock.Now(), "third distinct symbol waits for the window")
}

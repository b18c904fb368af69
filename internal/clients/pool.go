package clients

import (
	"context"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/internal/domain"
	"github.com/xdc-intel/transferscan/pkg/ratelimit"
	"github.com/xdc-intel/transferscan/pkg/retrier"
)

const (
	defaultPoolRetries  = 3
	defaultPoolBackoff  = 2 * time.Second
	defaultProbeTimeout = 10 * time.Second
	defaultRPCCalls     = 3
	defaultRPCPeriod    = time.Second
)

var (
	// ErrNoHealthyEndpoint is returned by Connect when no endpoint answers the liveness probe.
	ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoint")
	// ErrAllEndpointsExhausted is returned by Call when every pass over the pool failed.
	ErrAllEndpointsExhausted = errors.New("all RPC endpoints exhausted")
)

// Node is the subset of an EVM JSON-RPC client the scanner needs. *ethclient.Client satisfies it.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionSender(ctx context.Context, tx *types.Transaction, block common.Hash, index uint) (common.Address, error)
	Close()
}

// Dialer opens a Node for the given URL.
type Dialer func(ctx context.Context, url string) (Node, error)

// DialEthereum dials an EVM endpoint over HTTP or websocket.
func DialEthereum(ctx context.Context, url string) (Node, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// PoolOptions configures a Pool. Zero values fall back to defaults.
type PoolOptions struct {
	Dialer Dialer
	// RateLimit calls per RatePeriod, per endpoint.
	RateLimit  int
	RatePeriod time.Duration
	// Retries is the number of full passes over the pool before giving up.
	Retries      int
	Backoff      time.Duration
	ProbeTimeout time.Duration

	// Clock and Sleep are injected into the rate limiters and the backoff.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// OnFailure is called for every failed call against a single endpoint.
	OnFailure func(url string, err error)
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Dialer == nil {
		o.Dialer = DialEthereum
	}
	if o.RateLimit <= 0 {
		o.RateLimit = defaultRPCCalls
	}
	if o.RatePeriod <= 0 {
		o.RatePeriod = defaultRPCPeriod
	}
	if o.Retries <= 0 {
		o.Retries = defaultPoolRetries
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultPoolBackoff
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}

	return o
}

type endpoint struct {
	url     string
	node    Node
	limiter *ratelimit.Limiter
	health  domain.EndpointHealth
}

// Pool is a single logical RPC client over an ordered set of endpoints.
// Every call starts from the first endpoint; failures are never remembered across calls.
type Pool struct {
	endpoints []*endpoint
	opts      PoolOptions
	logger    *zap.Logger

	mu sync.RWMutex
}

// Connect dials every URL and keeps the ones that answer the liveness probe, preserving order.
func Connect(ctx context.Context, urls []string, opts PoolOptions, logger *zap.Logger) (*Pool, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{opts: opts, logger: logger}

	for _, url := range urls {
		if url == "" {
			continue
		}

		ep, err := p.probe(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				p.Close()
				return nil, ctx.Err()
			}

			logger.Warn("RPC endpoint failed liveness probe", zap.String("endpoint", url), zap.Error(err))
			continue
		}

		logger.Info("connected to RPC endpoint", zap.String("endpoint", url))
		p.endpoints = append(p.endpoints, ep)
	}

	if len(p.endpoints) == 0 {
		return nil, errors.Wrapf(ErrNoHealthyEndpoint, "tried %d endpoints", len(urls))
	}

	return p, nil
}

func (p *Pool) probe(ctx context.Context, url string) (*endpoint, error) {
	ep := &endpoint{
		url:     url,
		limiter: p.newLimiter(),
		health:  domain.EndpointHealthy,
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	node, err := p.opts.Dialer(probeCtx, url)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	if err := ep.limiter.Acquire(probeCtx); err != nil {
		node.Close()
		return nil, err
	}

	if _, err := node.BlockNumber(probeCtx); err != nil {
		node.Close()
		return nil, errors.Wrap(err, "probe block number")
	}

	ep.node = node

	return ep, nil
}

func (p *Pool) newLimiter() *ratelimit.Limiter {
	var opts []ratelimit.Option
	if p.opts.Clock != nil {
		opts = append(opts, ratelimit.WithClock(p.opts.Clock))
	}
	if p.opts.Sleep != nil {
		opts = append(opts, ratelimit.WithSleeper(p.opts.Sleep))
	}

	return ratelimit.New(p.opts.RateLimit, p.opts.RatePeriod, opts...)
}

// Call runs op against the endpoints in order until one succeeds.
// After a fully failed pass it sleeps the fixed backoff and starts over, up to Retries passes.
func (p *Pool) Call(ctx context.Context, name string, op func(ctx context.Context, node Node) error) error {
	var r *retrier.Retrier
	r = retrier.New(
		retrier.WithInterval(p.opts.Backoff),
		retrier.WithMaxInterval(p.opts.Backoff),
		retrier.WithMultiplier(1),
		retrier.WithJitter(0),
		retrier.WithMaxRetries(p.opts.Retries-1),
		retrier.WithSleeper(p.sleep),
		retrier.OnRetry(func(attempt int, err error) {
			p.logger.Warn("all RPC endpoints failed, backing off",
				zap.String("call", name),
				zap.Int("pass", attempt),
				zap.Int("passes", r.Attempts()),
				zap.Duration("backoff", p.opts.Backoff),
			)
		}),
	)

	err := r.Do(ctx, func(ctx context.Context) error {
		return p.pass(ctx, name, op)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	p.logger.Error("RPC call failed on every endpoint", zap.String("call", name), zap.Error(err))

	return errors.Wrapf(ErrAllEndpointsExhausted, "%s: %v", name, err)
}

// pass tries every endpoint once and returns the last error.
func (p *Pool) pass(ctx context.Context, name string, op func(ctx context.Context, node Node) error) error {
	var lastErr error

	for _, ep := range p.endpoints {
		if err := ep.limiter.Acquire(ctx); err != nil {
			return err
		}

		err := op(ctx, ep.node)
		if err == nil {
			p.setHealth(ep, domain.EndpointHealthy)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastErr = err
		p.setHealth(ep, domain.EndpointUnreachable)
		p.logger.Warn("RPC call failed",
			zap.String("call", name),
			zap.String("endpoint", ep.url),
			zap.Error(err),
		)
		if p.opts.OnFailure != nil {
			p.opts.OnFailure(ep.url, err)
		}
	}

	return lastErr
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	if p.opts.Sleep != nil {
		return p.opts.Sleep(ctx, d)
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pool) setHealth(ep *endpoint, h domain.EndpointHealth) {
	p.mu.Lock()
	ep.health = h
	p.mu.Unlock()
}

// Endpoints returns a snapshot of the connected endpoints in preference order.
func (p *Pool) Endpoints() []domain.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, domain.Endpoint{URL: ep.url, Health: ep.health})
	}

	return out
}

// Close closes every underlying node.
func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		if ep.node != nil {
			ep.node.Close()
		}
	}
}

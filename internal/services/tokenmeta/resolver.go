// Package tokenmeta resolves ERC-20 symbol and decimals, cached per contract address.
package tokenmeta

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xdc-intel/transferscan/internal/domain"
)

const erc20JSON = `[
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// some early tokens return symbol as bytes32
const erc20Bytes32JSON = `[
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

var (
	erc20ABI        = mustABI(erc20JSON)
	erc20Bytes32ABI = mustABI(erc20Bytes32JSON)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}

	return parsed
}

// Caller executes read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Override pins metadata for a token. Empty Symbol and nil Decimals are resolved from the contract.
type Override struct {
	Symbol        string
	Decimals      *uint8
	PriceSymbol   string
	FallbackPrice decimal.Decimal
}

// Resolver resolves and caches token metadata for the lifetime of the process.
// Failed lookups fall back to UNKNOWN / 18 and are cached too.
type Resolver struct {
	caller    Caller
	overrides map[common.Address]Override
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[common.Address]domain.TokenInfo
	group singleflight.Group
}

// NewResolver creates a resolver.
func NewResolver(caller Caller, overrides map[common.Address]Override, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		caller:    caller,
		overrides: overrides,
		logger:    logger,
		cache:     make(map[common.Address]domain.TokenInfo),
	}
}

// Resolve returns the metadata of the token at addr. It never fails.
func (r *Resolver) Resolve(ctx context.Context, addr common.Address) domain.TokenInfo {
	r.mu.RLock()
	info, ok := r.cache[addr]
	r.mu.RUnlock()
	if ok {
		return info
	}

	v, _, _ := r.group.Do(addr.Hex(), func() (any, error) {
		info := r.resolve(ctx, addr)
		// a canceled lookup is not a verdict about the token
		if ctx.Err() == nil {
			r.mu.Lock()
			r.cache[addr] = info
			r.mu.Unlock()
		}
		return info, nil
	})

	return v.(domain.TokenInfo)
}

func (r *Resolver) resolve(ctx context.Context, addr common.Address) domain.TokenInfo {
	ov := r.overrides[addr]
	info := domain.TokenInfo{
		Address:       addr,
		Symbol:        ov.Symbol,
		PriceSymbol:   ov.PriceSymbol,
		FallbackPrice: ov.FallbackPrice,
	}

	if info.Symbol == "" {
		symbol, err := r.symbol(ctx, addr)
		if err != nil {
			r.logger.Warn("token symbol lookup failed, using default",
				zap.String("token", addr.Hex()),
				zap.String("default", domain.UnknownSymbol),
				zap.Error(err),
			)
			symbol = domain.UnknownSymbol
		}
		info.Symbol = symbol
	}

	if ov.Decimals != nil {
		info.Decimals = *ov.Decimals
	} else {
		decimals, err := r.decimals(ctx, addr)
		if err != nil {
			r.logger.Warn("token decimals lookup failed, using default",
				zap.String("token", addr.Hex()),
				zap.Uint8("default", domain.DefaultDecimals),
				zap.Error(err),
			)
			decimals = domain.DefaultDecimals
		}
		info.Decimals = decimals
	}

	return info
}

func (r *Resolver) symbol(ctx context.Context, addr common.Address) (string, error) {
	data, err := erc20ABI.Pack("symbol")
	if err != nil {
		return "", errors.Wrap(err, "pack symbol()")
	}

	out, err := r.caller.CallContract(ctx, addr, data)
	if err != nil {
		return "", errors.Wrap(err, "call symbol()")
	}

	if vals, err := erc20ABI.Unpack("symbol", out); err == nil && len(vals) == 1 {
		if s, ok := vals[0].(string); ok {
			if s = cleanSymbol(s); s != "" {
				return s, nil
			}
		}
	}

	vals, err := erc20Bytes32ABI.Unpack("symbol", out)
	if err != nil || len(vals) != 1 {
		return "", errors.Errorf("undecodable symbol() result %x", out)
	}
	raw, ok := vals[0].([32]byte)
	if !ok {
		return "", errors.Errorf("undecodable symbol() result %x", out)
	}

	s := cleanSymbol(string(bytes.TrimRight(raw[:], "\x00")))
	if s == "" {
		return "", errors.New("empty symbol")
	}

	return s, nil
}

func (r *Resolver) decimals(ctx context.Context, addr common.Address) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, errors.Wrap(err, "pack decimals()")
	}

	out, err := r.caller.CallContract(ctx, addr, data)
	if err != nil {
		return 0, errors.Wrap(err, "call decimals()")
	}

	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, errors.Wrap(err, "unpack decimals()")
	}
	if len(vals) != 1 {
		return 0, errors.Errorf("unexpected decimals() result %x", out)
	}

	d, ok := vals[0].(uint8)
	if !ok {
		return 0, errors.Errorf("unexpected decimals() type %T", vals[0])
	}

	return d, nil
}

func cleanSymbol(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\x00"))
}

package tokenmeta

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xdc-intel/transferscan/internal/domain"
)

var (
	usdt = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	mkr  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	eoa  = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000a4")
)

type fakeCaller struct {
	mu        sync.Mutex
	responses map[common.Address]map[string][]byte
	calls     int
}

func (f *fakeCaller) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byMethod, ok := f.responses[to]
	if !ok {
		return nil, errors.New("execution reverted")
	}

	for name, out := range byMethod {
		if string(erc20ABI.Methods[name].ID) == string(data[:4]) {
			return out, nil
		}
	}

	return nil, errors.New("execution reverted")
}

func (f *fakeCaller) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func packString(t *testing.T, s string) []byte {
	out, err := erc20ABI.Methods["symbol"].Outputs.Pack(s)
	require.NoError(t, err)
	return out
}

func packUint8(t *testing.T, d uint8) []byte {
	out, err := erc20ABI.Methods["decimals"].Outputs.Pack(d)
	require.NoError(t, err)
	return out
}

func packBytes32(t *testing.T, s string) []byte {
	var raw [32]byte
	copy(raw[:], s)
	out, err := erc20Bytes32ABI.Methods["symbol"].Outputs.Pack(raw)
	require.NoError(t, err)
	return out
}

func newCaller(t *testing.T) *fakeCaller {
	return &fakeCaller{responses: map[common.Address]map[string][]byte{
		usdt: {"symbol": packString(t, "USDT"), "decimals": packUint8(t, 6)},
		mkr:  {"symbol": packBytes32(t, "MKR"), "decimals": packUint8(t, 18)},
	}}
}

func TestResolver_Resolve(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	caller := newCaller(t)
	r := NewResolver(caller, nil, zap.New(core))

	tests := []struct {
		name string
		addr common.Address
		want domain.TokenInfo
	}{
		{name: "string symbol", addr: usdt, want: domain.TokenInfo{Address: usdt, Symbol: "USDT", Decimals: 6}},
		{name: "bytes32 symbol", addr: mkr, want: domain.TokenInfo{Address: mkr, Symbol: "MKR", Decimals: 18}},
		{name: "not a token", addr: eoa, want: domain.TokenInfo{Address: eoa, Symbol: "UNKNOWN", Decimals: 18}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(context.Background(), tt.addr)
			assert.Equal(t, tt.want.Symbol, got.Symbol)
			assert.Equal(t, tt.want.Decimals, got.Decimals)
			assert.Equal(t, tt.want.Address, got.Address)
		})
	}

	assert.Equal(t, 2, logs.Len(), "one warning per failed field")
}

func TestResolver_CachesPerAddress(t *testing.T) {
	caller := newCaller(t)
	r := NewResolver(caller, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		r.Resolve(context.Background(), usdt)
		r.Resolve(context.Background(), eoa)
	}

	assert.Equal(t, 4, caller.Calls(), "symbol and decimals once per address, failures included")
}

func TestResolver_Overrides(t *testing.T) {
	caller := newCaller(t)
	six := uint8(6)
	r := NewResolver(caller, map[common.Address]Override{
		usdc: {Symbol: "USDC.e", Decimals: &six, PriceSymbol: "USDC", FallbackPrice: decimal.NewFromInt(1)},
		usdt: {PriceSymbol: "USDT"},
	}, zap.NewNop())

	got := r.Resolve(context.Background(), usdc)
	assert.Equal(t, "USDC.e", got.Symbol)
	assert.Equal(t, uint8(6), got.Decimals)
	assert.Equal(t, "USDC", got.QuoteSymbol())
	assert.True(t, decimal.NewFromInt(1).Equal(got.FallbackPrice))
	assert.Zero(t, caller.Calls(), "fully pinned token needs no contract calls")

	got = r.Resolve(context.Background(), usdt)
	assert.Equal(t, "USDT", got.Symbol)
	assert.Equal(t, uint8(6), got.Decimals)
	assert.Equal(t, 2, caller.Calls())
}

func TestResolver_CanceledLookupIsNotCached(t *testing.T) {
	caller := newCaller(t)
	r := NewResolver(caller, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := r.Resolve(ctx, usdt)
	assert.Equal(t, "UNKNOWN", got.Symbol)

	got = r.Resolve(context.Background(), usdt)
	assert.Equal(t, "USDT", got.Symbol)
	assert.Equal(t, uint8(6), got.Decimals)
}

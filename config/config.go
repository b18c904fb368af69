package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xdc-intel/transferscan/internal/domain"
)

const (
	DefaultRPCURLs        = "https://rpc.ankr.com/xdc,https://rpc.xinfin.network,https://rpc.xdcrpc.com"
	DefaultPriceAPIURL    = "https://pro-api.coinmarketcap.com/v1/cryptocurrency"
	DefaultThresholdUSD   = "5000"
	DefaultBatchSize      = 50
	DefaultLookbackBlocks = 1800
	DefaultMaxSkips       = 25
	DefaultNativeSymbol   = "XDC"
	DefaultNativeDecimals = 18
	DefaultOutputDir      = "."
	DefaultOutputPrefix   = "large_transfers"
	DefaultCheckpointFile = "last_block.txt"
	DefaultPriceCacheDir  = "./wal/prices"

	DefaultRPCCalls     = 3
	DefaultRPCPeriod    = time.Second
	DefaultPriceCalls   = 30
	DefaultPricePeriod  = time.Minute
	DefaultFreshness    = 600 * time.Second
	DefaultRPCRetries   = 3
	DefaultRPCBackoff   = 2 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// Environment variables that override the YAML file.
const (
	EnvRPCURLs        = "TRANSFERSCAN_RPC_URLS"
	EnvPriceAPIKey    = "CMC_API_KEY"
	EnvPriceAPIURL    = "TRANSFERSCAN_PRICE_API_URL"
	EnvThresholdUSD   = "TRANSFERSCAN_THRESHOLD_USD"
	EnvOutputDir      = "TRANSFERSCAN_OUTPUT_DIR"
	EnvCheckpointFile = "TRANSFERSCAN_CHECKPOINT_FILE"
)

// RateLimit is a calls-per-period budget.
type RateLimit struct {
	Calls  int
	Period time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether records should be published to Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// TokenConfig overrides or pins metadata for a token contract.
// Nil Decimals and empty Symbol are resolved from the contract.
type TokenConfig struct {
	Address       common.Address
	Symbol        string
	Decimals      *uint8
	PriceSymbol   string
	FallbackPrice decimal.Decimal
}

type LogConfig struct {
	Level  string
	Format string
}

// Config is the validated runtime configuration.
type Config struct {
	RPCURLs     []string
	PriceAPIURL string
	PriceAPIKey string

	ThresholdUSD        decimal.Decimal
	BatchSize           uint64
	LookbackBlocks      uint64
	Confirmations       uint64
	MaxConsecutiveSkips int

	RPCRateLimit   RateLimit
	PriceRateLimit RateLimit
	PriceFreshness time.Duration
	RPCRetries     int
	RPCBackoff     time.Duration
	ProbeTimeout   time.Duration

	Native domain.TokenInfo
	Tokens []TokenConfig

	OutputDir      string
	OutputPrefix   string
	CheckpointFile string
	PriceCacheDir  string

	Interval        time.Duration
	MetricsTextfile string
	Kafka           KafkaConfig
	Log             LogConfig
}

// Unit is the lowercase native symbol used in the value column header.
func (c Config) Unit() string {
	return strings.ToLower(c.Native.Symbol)
}

// AllowList returns the configured token contract addresses.
func (c Config) AllowList() []common.Address {
	if len(c.Tokens) == 0 {
		return nil
	}

	out := make([]common.Address, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		out = append(out, t.Address)
	}

	return out
}

type RateLimitTmp struct {
	Calls  string `yaml:"calls,omitempty"`
	Period string `yaml:"period,omitempty"`
}

type TokenTmp struct {
	Address       string `yaml:"address"`
	Symbol        string `yaml:"symbol,omitempty"`
	Decimals      string `yaml:"decimals,omitempty"`
	PriceSymbol   string `yaml:"price_symbol,omitempty"`
	FallbackPrice string `yaml:"fallback_price,omitempty"`
}

type NativeTmp struct {
	Symbol        string `yaml:"symbol,omitempty"`
	Decimals      string `yaml:"decimals,omitempty"`
	PriceSymbol   string `yaml:"price_symbol,omitempty"`
	FallbackPrice string `yaml:"fallback_price,omitempty"`
}

type KafkaTmp struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

type LogTmp struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// ConfigTmp mirrors the YAML file. Numbers and durations are kept as strings and parsed in Build.
type ConfigTmp struct {
	RPCURLs     []string `yaml:"rpc_urls,omitempty"`
	PriceAPIURL string   `yaml:"price_api_url,omitempty"`
	PriceAPIKey string   `yaml:"price_api_key,omitempty"`

	ThresholdUSD        string `yaml:"threshold_usd,omitempty"`
	BatchSize           string `yaml:"batch_size,omitempty"`
	LookbackBlocks      string `yaml:"lookback_blocks,omitempty"`
	Confirmations       string `yaml:"confirmations,omitempty"`
	MaxConsecutiveSkips string `yaml:"max_consecutive_skips,omitempty"`

	RPCRateLimit   RateLimitTmp `yaml:"rpc_rate_limit,omitempty"`
	PriceRateLimit RateLimitTmp `yaml:"price_rate_limit,omitempty"`
	PriceFreshness string       `yaml:"price_freshness,omitempty"`
	RPCRetries     string       `yaml:"rpc_retries,omitempty"`
	RPCBackoff     string       `yaml:"rpc_backoff,omitempty"`
	ProbeTimeout   string       `yaml:"probe_timeout,omitempty"`

	Native NativeTmp  `yaml:"native,omitempty"`
	Tokens []TokenTmp `yaml:"tokens,omitempty"`

	OutputDir      string `yaml:"output_dir,omitempty"`
	OutputPrefix   string `yaml:"output_prefix,omitempty"`
	CheckpointFile string `yaml:"checkpoint_file,omitempty"`
	PriceCacheDir  string `yaml:"price_cache_dir,omitempty"`

	Interval        string   `yaml:"interval,omitempty"`
	MetricsTextfile string   `yaml:"metrics_textfile,omitempty"`
	Kafka           KafkaTmp `yaml:"kafka,omitempty"`
	Log             LogTmp   `yaml:"log,omitempty"`
}

// Load reads .env (if present), the YAML file at path (if set) and environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	var tmp ConfigTmp
	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, errors.Wrap(err, "parse yaml config")
		}
	}

	tmp.ApplyEnv(os.LookupEnv)

	cfg, err := tmp.Build()
	if err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from the environment.
func (c *ConfigTmp) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRPCURLs); ok && strings.TrimSpace(v) != "" {
		c.RPCURLs = splitList(v)
	}
	if v, ok := lookup(EnvPriceAPIKey); ok && v != "" {
		c.PriceAPIKey = v
	}
	if v, ok := lookup(EnvPriceAPIURL); ok && v != "" {
		c.PriceAPIURL = v
	}
	if v, ok := lookup(EnvThresholdUSD); ok && v != "" {
		c.ThresholdUSD = v
	}
	if v, ok := lookup(EnvOutputDir); ok && v != "" {
		c.OutputDir = v
	}
	if v, ok := lookup(EnvCheckpointFile); ok && v != "" {
		c.CheckpointFile = v
	}
}

// Build parses the raw values and fills defaults. It does not validate.
func (c ConfigTmp) Build() (Config, error) {
	cfg := Config{
		RPCURLs:         c.RPCURLs,
		PriceAPIURL:     orDefault(c.PriceAPIURL, DefaultPriceAPIURL),
		PriceAPIKey:     c.PriceAPIKey,
		OutputDir:       orDefault(c.OutputDir, DefaultOutputDir),
		OutputPrefix:    orDefault(c.OutputPrefix, DefaultOutputPrefix),
		CheckpointFile:  orDefault(c.CheckpointFile, DefaultCheckpointFile),
		PriceCacheDir:   orDefault(c.PriceCacheDir, DefaultPriceCacheDir),
		MetricsTextfile: c.MetricsTextfile,
		Kafka:           KafkaConfig{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic},
		Log:             LogConfig{Level: orDefault(c.Log.Level, "info"), Format: orDefault(c.Log.Format, "console")},
	}
	if len(cfg.RPCURLs) == 0 {
		cfg.RPCURLs = splitList(DefaultRPCURLs)
	}

	var err error
	if cfg.ThresholdUSD, err = parseDecimal("threshold_usd", c.ThresholdUSD, DefaultThresholdUSD); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = parseUint("batch_size", c.BatchSize, DefaultBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.LookbackBlocks, err = parseUint("lookback_blocks", c.LookbackBlocks, DefaultLookbackBlocks); err != nil {
		return Config{}, err
	}
	if cfg.Confirmations, err = parseUint("confirmations", c.Confirmations, 0); err != nil {
		return Config{}, err
	}
	if cfg.MaxConsecutiveSkips, err = parseInt("max_consecutive_skips", c.MaxConsecutiveSkips, DefaultMaxSkips); err != nil {
		return Config{}, err
	}
	if cfg.RPCRateLimit, err = c.RPCRateLimit.build("rpc_rate_limit", DefaultRPCCalls, DefaultRPCPeriod); err != nil {
		return Config{}, err
	}
	if cfg.PriceRateLimit, err = c.PriceRateLimit.build("price_rate_limit", DefaultPriceCalls, DefaultPricePeriod); err != nil {
		return Config{}, err
	}
	if cfg.PriceFreshness, err = parseDuration("price_freshness", c.PriceFreshness, DefaultFreshness); err != nil {
		return Config{}, err
	}
	if cfg.RPCRetries, err = parseInt("rpc_retries", c.RPCRetries, DefaultRPCRetries); err != nil {
		return Config{}, err
	}
	if cfg.RPCBackoff, err = parseDuration("rpc_backoff", c.RPCBackoff, DefaultRPCBackoff); err != nil {
		return Config{}, err
	}
	if cfg.ProbeTimeout, err = parseDuration("probe_timeout", c.ProbeTimeout, DefaultProbeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Interval, err = parseDuration("interval", c.Interval, 0); err != nil {
		return Config{}, err
	}

	if cfg.Native, err = c.Native.build(); err != nil {
		return Config{}, err
	}

	for i, t := range c.Tokens {
		token, err := t.build()
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'tokens[%d]' param in yaml config, error: %w", i, err)
		}
		cfg.Tokens = append(cfg.Tokens, token)
	}

	return cfg, nil
}

// Validate rejects configurations the scanner cannot run with.
func (c Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return errors.New("at least one RPC URL is required")
	}
	if c.BatchSize == 0 {
		return errors.New("batch_size must be positive")
	}
	if c.LookbackBlocks == 0 {
		return errors.New("lookback_blocks must be positive")
	}
	if c.ThresholdUSD.IsNegative() {
		return errors.New("threshold_usd must not be negative")
	}
	if c.MaxConsecutiveSkips <= 0 {
		return errors.New("max_consecutive_skips must be positive")
	}
	if c.RPCRateLimit.Calls <= 0 || c.RPCRateLimit.Period <= 0 {
		return errors.New("rpc_rate_limit must be positive")
	}
	if c.PriceRateLimit.Calls <= 0 || c.PriceRateLimit.Period <= 0 {
		return errors.New("price_rate_limit must be positive")
	}
	if c.PriceFreshness <= 0 {
		return errors.New("price_freshness must be positive")
	}
	if c.RPCRetries <= 0 {
		return errors.New("rpc_retries must be positive")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir is required")
	}
	if c.OutputPrefix == "" {
		return errors.New("output_prefix is required")
	}
	if c.CheckpointFile == "" {
		return errors.New("checkpoint_file is required")
	}
	if c.Native.Symbol == "" {
		return errors.New("native symbol is required")
	}
	if c.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}

	seen := make(map[common.Address]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		if seen[t.Address] {
			return errors.Errorf("duplicate token %s", t.Address.Hex())
		}
		seen[t.Address] = true
	}

	return nil
}

func (r RateLimitTmp) build(name string, defCalls int, defPeriod time.Duration) (RateLimit, error) {
	calls, err := parseInt(name+".calls", r.Calls, defCalls)
	if err != nil {
		return RateLimit{}, err
	}
	period, err := parseDuration(name+".period", r.Period, defPeriod)
	if err != nil {
		return RateLimit{}, err
	}

	return RateLimit{Calls: calls, Period: period}, nil
}

func (n NativeTmp) build() (domain.TokenInfo, error) {
	decimals, err := parseDecimals("native.decimals", n.Decimals)
	if err != nil {
		return domain.TokenInfo{}, err
	}
	fallback, err := parseDecimal("native.fallback_price", n.FallbackPrice, "0")
	if err != nil {
		return domain.TokenInfo{}, err
	}

	return domain.TokenInfo{
		Symbol:        orDefault(n.Symbol, DefaultNativeSymbol),
		Decimals:      decimals,
		PriceSymbol:   n.PriceSymbol,
		FallbackPrice: fallback,
	}, nil
}

func (t TokenTmp) build() (TokenConfig, error) {
	if !common.IsHexAddress(t.Address) {
		return TokenConfig{}, errors.Errorf("invalid address %q", t.Address)
	}

	tc := TokenConfig{
		Address:     common.HexToAddress(t.Address),
		Symbol:      t.Symbol,
		PriceSymbol: t.PriceSymbol,
	}

	if t.Decimals != "" {
		d, err := parseDecimals("decimals", t.Decimals)
		if err != nil {
			return TokenConfig{}, err
		}
		tc.Decimals = &d
	}

	fallback, err := parseDecimal("fallback_price", t.FallbackPrice, "0")
	if err != nil {
		return TokenConfig{}, err
	}
	tc.FallbackPrice = fallback

	return tc, nil
}

func parseDecimals(name, raw string) (uint8, error) {
	if raw == "" {
		return DefaultNativeDecimals, nil
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("incorrect '%s' param in yaml config (must be 0-255), error: %w", name, err)
	}

	return uint8(v), nil
}

func parseDecimal(name, raw, def string) (decimal.Decimal, error) {
	if raw == "" {
		raw = def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", name, err)
	}

	return v, nil
}

func parseUint(name, raw string, def uint64) (uint64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incorrect '%s' param in yaml config (must be an unsigned integer), error: %w", name, err)
	}

	return v, nil
}

func parseInt(name, raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("incorrect '%s' param in yaml config (must be an integer), error: %w", name, err)
	}

	return v, nil
}

func parseDuration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("incorrect '%s' param in yaml config (must be a duration, e.g. 600s), error: %w", name, err)
	}

	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}

	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

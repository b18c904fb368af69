package setup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdc-intel/transferscan/config"
)

func TestWrite_RoundTripsThroughLoad(t *testing.T) {
	a := DefaultAnswers()
	a.RPCURLs = "https://rpc.one, https://rpc.two"
	a.ThresholdUSD = "10000"
	a.Tokens = "0x2A8E898b6242355c290E1f4Fc966b8788729A4D4"
	a.Interval = "10m"
	a.KafkaBrokers = "localhost:9092"
	a.KafkaTopic = "large-transfers"

	path := filepath.Join(t.TempDir(), "config.gen.yaml")
	require.NoError(t, Write(path, a))

	for _, k := range []string{config.EnvRPCURLs, config.EnvPriceAPIKey, config.EnvPriceAPIURL, config.EnvThresholdUSD, config.EnvOutputDir, config.EnvCheckpointFile} {
		t.Setenv(k, "")
	}

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://rpc.one", "https://rpc.two"}, cfg.RPCURLs)
	assert.Equal(t, "10000", cfg.ThresholdUSD.String())
	assert.Len(t, cfg.AllowList(), 1)
	assert.Equal(t, "10m0s", cfg.Interval.String())
	assert.True(t, cfg.Kafka.Enabled())
}

func TestBuild_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Answers)
	}{
		{name: "threshold", mutate: func(a *Answers) { a.ThresholdUSD = "a lot" }},
		{name: "token address", mutate: func(a *Answers) { a.Tokens = "usdc" }},
		{name: "kafka topic", mutate: func(a *Answers) { a.KafkaBrokers = "localhost:9092" }},
		{name: "batch size", mutate: func(a *Answers) { a.BatchSize = "0" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := DefaultAnswers()
			tt.mutate(&a)
			_, err := Build(a)
			assert.Error(t, err)
		})
	}
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validatePositiveDecimal("5000"))
	assert.Error(t, validatePositiveDecimal("0"))
	assert.NoError(t, validatePositiveInt("50"))
	assert.Error(t, validatePositiveInt("-1"))
	assert.NoError(t, validateAddresses(""))
	assert.Error(t, validateAddresses("0x01, nope"))
	assert.NoError(t, validateOptionalDuration(""))
	assert.Error(t, validateOptionalDuration("ten minutes"))
}

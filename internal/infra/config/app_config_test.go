package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/stream"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
logging:
  level: DEBUG
telemetry:
  otlpEndpoint: " collector:4318 "
  otlpInsecure: true
streams:
  - name: BinanceSpot
    exchange: Binance
    symbols: [btc-usdt, ETH/USDT]
    channels: [orderbook, trades]
    heartbeat: 15s
    heartbeatTimeout: 5s
    queueSize: 128
    reconnect:
      maxAttempts: 5
      initialDelay: 250ms
      backoffMultiplier: 3
      maxDelay: 4s
  - exchange: mexc
    domain: private
    symbols: [BTC-USDT]
    channels: [orders, balances]
    credentials:
      apiKeyEnv: MEXC_KEY
      apiSecretEnv: MEXC_SECRET
`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "collector:4318", cfg.Telemetry.OTLPEndpoint)
	require.Equal(t, defaultServiceName, cfg.Telemetry.ServiceName)
	require.Equal(t, defaultMetricInterval, cfg.Telemetry.MetricInterval)
	require.Len(t, cfg.Streams, 2)

	spot := cfg.Streams[0]
	require.Equal(t, "binanceSpot", spot.Name)
	require.Equal(t, "binance", spot.Exchange)
	require.Equal(t, "public", spot.Domain)
	require.Equal(t, 15*time.Second, spot.Heartbeat)
	require.Equal(t, 5*time.Second, spot.ClientConfig(nil).HeartbeatTimeout)
	require.Equal(t, 128, spot.QueueSize)
	require.Equal(t, defaultPoolSize, spot.PoolSize)
	require.Equal(t, defaultPoolCeiling, spot.PoolCeiling)

	symbols, err := spot.ParsedSymbols()
	require.NoError(t, err)
	require.Equal(t, []schema.Symbol{schema.NewSymbol("BTC", "USDT"), schema.NewSymbol("ETH", "USDT")}, symbols)

	policy := spot.Policy()
	require.Equal(t, stream.ReconnectPolicy{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   3,
		MaxDelay:     4 * time.Second,
		ResetOnCodes: []int{1000, 1001},
	}, policy)

	private := cfg.Streams[1]
	require.Equal(t, "mexc-private-1", private.Name)
	channels, err := private.ParsedChannels()
	require.NoError(t, err)
	require.Equal(t, []schema.Channel{schema.ChannelOrders, schema.ChannelBalances}, channels)

	tc := cfg.TelemetryProviderConfig("1.2.3")
	require.Equal(t, "prod", tc.Environment)
	require.Equal(t, "1.2.3", tc.ServiceVersion)
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, defaultLogLevel, cfg.Logging.Level)
	require.Empty(t, cfg.Streams)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"environment": {
			yaml: "environment: qa\n",
			want: "must be dev, staging or prod",
		},
		"log level": {
			yaml: "logging:\n  level: loud\n",
			want: "logging level",
		},
		"duplicate name": {
			yaml: `
streams:
  - {name: BookFeed, exchange: gateio, symbols: [BTC-USDT], channels: [trades]}
  - {name: bookFeed, exchange: gateio, symbols: [BTC-USDT], channels: [trades]}
`,
			want: `duplicate stream name "bookFeed"`,
		},
		"missing exchange": {
			yaml: "streams:\n  - {symbols: [BTC-USDT], channels: [trades]}\n",
			want: "exchange required",
		},
		"unknown channel": {
			yaml: "streams:\n  - {exchange: gateio, symbols: [BTC-USDT], channels: [candles]}\n",
			want: `unknown channel "candles"`,
		},
		"bad symbol": {
			yaml: "streams:\n  - {exchange: gateio, symbols: [BTCUSDT], channels: [trades]}\n",
			want: `symbol "BTCUSDT"`,
		},
		"private channel on public stream": {
			yaml: "streams:\n  - {exchange: gateio, symbols: [BTC-USDT], channels: [orders]}\n",
			want: "does not belong to the public domain",
		},
		"public stream without symbols": {
			yaml: "streams:\n  - {exchange: gateio, channels: [trades]}\n",
			want: "symbols required",
		},
		"private stream without credentials": {
			yaml: "streams:\n  - {exchange: binance, domain: private, channels: [balances]}\n",
			want: "apiKeyEnv and apiSecretEnv",
		},
		"multiplier": {
			yaml: `
streams:
  - exchange: gateio
    symbols: [BTC-USDT]
    channels: [trades]
    reconnect: {backoffMultiplier: 0.5}
`,
			want: "backoffMultiplier must be >=1",
		},
		"delays": {
			yaml: `
streams:
  - exchange: gateio
    symbols: [BTC-USDT]
    channels: [trades]
    reconnect: {initialDelay: 5s, maxDelay: 1s}
`,
			want: "maxDelay must be >= initialDelay",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestStreamParamsResolveCredentials(t *testing.T) {
	cfg, err := Parse([]byte(`
streams:
  - exchange: binance
    domain: private
    url: wss://example.test/ws
    keepAlive: 10m
    symbols: [BTC-USDT]
    channels: [orders, executions]
    credentials: {apiKeyEnv: BN_KEY, apiSecretEnv: BN_SECRET}
`))
	require.NoError(t, err)

	env := map[string]string{"BN_KEY": "key", "BN_SECRET": "secret"}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	s := cfg.Streams[0]
	params := s.Params(nil, lookup)
	require.True(t, params.Private())
	require.Equal(t, "wss://example.test/ws", params.URL)
	require.Equal(t, "key", params.Credentials.APIKey)
	require.Equal(t, "secret", params.Credentials.APISecret)
	require.Equal(t, 10*time.Minute, params.KeepAliveInterval)

	delete(env, "BN_SECRET")
	require.True(t, s.ResolveCredentials(lookup).Empty())

	cc := s.ClientConfig(nil)
	require.Equal(t, "private", cc.Domain)
	require.Equal(t, defaultQueueSize, cc.QueueSize)
	require.Equal(t, defaultPoolCeiling, cc.PoolCeiling)
}

func TestLoadOrDefault(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, Default(), cfg)

	path := writeConfig(t, "environment: staging\n")
	cfg, loaded, err = LoadOrDefault(context.Background(), path)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, EnvStaging, cfg.Environment)

	_, _, err = LoadOrDefault(context.Background(), writeConfig(t, "environment: [\n"))
	require.Error(t, err)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "streams.example.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Streams, 4)
	for _, s := range cfg.Streams {
		_, err := s.ParsedChannels()
		require.NoError(t, err, s.Name)
	}
}

func TestStreamNameCanonicalForms(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{" GateBooks ", "gateBooks"},
		{"gateBooks", "gateBooks"},
		{"Gate-Books", "gate-books"},
		{"MEXC", "MEXC"},
		{"Ébooks", "ébooks"},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, streamName(tt.in), tt.in)
	}
	require.Equal(t, EnvDev, parseEnvironment("  "))
	require.Equal(t, EnvStaging, parseEnvironment("Staging"))
	require.False(t, Environment("qa").Valid())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "auto", cfg.Logging.Format)
	assert.Equal(t, 2*time.Second, cfg.Monitor.PollLowerLimit.Duration)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollUpperLimit.Duration)
	assert.Equal(t, 1.1, cfg.Monitor.PollFactor)
	assert.Equal(t, 3, cfg.Monitor.BytecodeRetries)
	assert.Equal(t, 16, cfg.Monitor.MaxConcurrentContracts)
	assert.Equal(t, DefaultGateways(), cfg.Gateways)
	assert.Empty(t, cfg.Chains)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sourcewatch")
	t.Setenv("BLOCK_POLL_FACTOR", "2")
	t.Setenv("BYTECODE_RETRY_INTERVAL", "250ms")
	t.Setenv("MAX_CONCURRENT_CONTRACTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, 2.0, cfg.Monitor.PollFactor)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.BytecodeRetryInterval.Duration)
	assert.Equal(t, 16, cfg.Monitor.MaxConcurrentContracts)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeFile(t, "sourcewatch.toml", `
[monitor]
poll_factor = 1.5
bytecode_retries = 5

[[gateways]]
origin = "ipfs"
base_url = "http://localhost:8080/ipfs/"
fallback_url = "https://ipfs.io/ipfs/"
timeout = "10s"
ttl = "2m"

[[chains]]
id = 1
name = "mainnet"
rpc_url = "http://localhost:8545"
start_block = 19000000

[[chains]]
id = 11155111
name = "sepolia"
rpc_url = "http://localhost:8546"
`)
	t.Setenv("SOURCEWATCH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1.5, cfg.Monitor.PollFactor)
	assert.Equal(t, 5, cfg.Monitor.BytecodeRetries)
	// untouched monitor settings keep their env defaults
	assert.Equal(t, 2*time.Second, cfg.Monitor.PollLowerLimit.Duration)

	require.Len(t, cfg.Gateways, 1)
	assert.Equal(t, "http://localhost:8080/ipfs/", cfg.Gateways[0].BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Gateways[0].Timeout.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Gateways[0].TTL.Duration)

	require.Len(t, cfg.Chains, 2)
	require.NotNil(t, cfg.Chains[0].StartBlock)
	assert.Equal(t, uint64(19000000), *cfg.Chains[0].StartBlock)
	assert.Nil(t, cfg.Chains[1].StartBlock)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "sourcewatch.yaml", `
monitor:
  poll_lower_limit: 500ms
  poll_upper_limit: 10s
gateways:
  - origin: bzzr1
    base_url: https://swarm.example/bzz-raw:/
chains:
  - id: 137
    name: polygon
    rpc_url: http://localhost:8545
`)
	t.Setenv("SOURCEWATCH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.PollLowerLimit.Duration)
	assert.Equal(t, 10*time.Second, cfg.Monitor.PollUpperLimit.Duration)
	require.Len(t, cfg.Gateways, 1)
	assert.Equal(t, "bzzr1", cfg.Gateways[0].Origin)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, uint64(137), cfg.Chains[0].ID)
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown toml key", file: "c.toml", body: "[monitor]\npoll_speed = 3\n"},
		{name: "unknown yaml key", file: "c.yaml", body: "monitor:\n  poll_speed: 3\n"},
		{name: "bad duration", file: "c.toml", body: "[monitor]\npoll_lower_limit = \"fast\"\n"},
		{name: "unsupported extension", file: "c.json", body: "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			assert.Error(t, cfg.LoadFile(writeFile(t, tt.file, tt.body)))
		})
	}

	cfg := &Config{}
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage: StorageConfig{Type: "sqlite"},
			Monitor: MonitorConfig{
				PollLowerLimit:         Duration{time.Second},
				PollUpperLimit:         Duration{10 * time.Second},
				PollFactor:             2,
				MaxConcurrentContracts: 1,
			},
			Gateways: DefaultGateways(),
			Chains:   []ChainConfig{{ID: 1, Name: "mainnet", RPCURL: "http://localhost:8545"}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"factor not above one", func(c *Config) { c.Monitor.PollFactor = 1 }},
		{"upper below lower", func(c *Config) { c.Monitor.PollUpperLimit = Duration{time.Millisecond} }},
		{"zero lower", func(c *Config) { c.Monitor.PollLowerLimit = Duration{} }},
		{"negative retries", func(c *Config) { c.Monitor.BytecodeRetries = -1 }},
		{"no concurrency", func(c *Config) { c.Monitor.MaxConcurrentContracts = 0 }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mysql" }},
		{"duplicate chain", func(c *Config) { c.Chains = append(c.Chains, c.Chains[0]) }},
		{"chain without rpc", func(c *Config) { c.Chains[0].RPCURL = "" }},
		{"chain without id", func(c *Config) { c.Chains[0].ID = 0 }},
		{"unknown origin", func(c *Config) { c.Gateways[0].Origin = "arweave" }},
		{"duplicate origin", func(c *Config) { c.Gateways = append(c.Gateways, c.Gateways[0]) }},
		{"gateway without url", func(c *Config) { c.Gateways[0].BaseURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

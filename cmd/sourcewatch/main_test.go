package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/sourcewatch/internal/chains"
	"github.com/pendergraft/sourcewatch/internal/config"
	"github.com/pendergraft/sourcewatch/internal/content"
	"github.com/pendergraft/sourcewatch/internal/storage"
)

func TestDecodeCommand(t *testing.T) {
	hash, err := hexutil.Decode("0x1220e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	encoded, err := cbor.Marshal(map[string]any{"ipfs": hash, "solc": []byte{0, 8, 20}})
	require.NoError(t, err)
	code := append([]byte{0x60, 0x80, 0x60, 0x40}, encoded...)
	code = binary.BigEndian.AppendUint16(code, uint16(len(encoded)))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"decode", hexutil.Encode(code)})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "compiler  0.8.20")
	assert.Contains(t, out.String(), "metadata  ipfs:Qm")
	assert.Contains(t, out.String(), "solc      0x000814")

	t.Run("without 0x prefix", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runDecode(&out, hexutil.Encode(code)[2:]))
		assert.Contains(t, out.String(), "metadata")
	})

	t.Run("no trailer", func(t *testing.T) {
		assert.Error(t, runDecode(io.Discard, "0x6080"))
	})

	t.Run("not hex", func(t *testing.T) {
		assert.Error(t, runDecode(io.Discard, "0xzz"))
	})
}

func TestGatewayConfigs(t *testing.T) {
	got, err := gatewayConfigs([]config.GatewayConfig{{
		Origin:          "ipfs",
		BaseURL:         "http://localhost:8080/ipfs/",
		FallbackURL:     "https://ipfs.io/ipfs/",
		Timeout:         config.Duration{Duration: 10 * time.Second},
		TTL:             config.Duration{Duration: time.Minute},
		MaxContentBytes: 1024,
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, content.OriginIPFS, got[0].Origin)
	assert.Equal(t, 10*time.Second, got[0].Timeout)
	assert.Equal(t, time.Minute, got[0].TTL)
	assert.Equal(t, int64(1024), got[0].MaxContentBytes)

	_, err = gatewayConfigs([]config.GatewayConfig{{Origin: "arweave"}})
	assert.Error(t, err)
}

func TestMonitorConfig(t *testing.T) {
	start := uint64(100)
	got := monitorConfig(config.MonitorConfig{
		PollLowerLimit:         config.Duration{Duration: time.Second},
		PollUpperLimit:         config.Duration{Duration: time.Minute},
		PollFactor:             1.2,
		BytecodeRetryInterval:  config.Duration{Duration: 5 * time.Second},
		BytecodeRetries:        3,
		AssemblyTimeout:        config.Duration{Duration: 30 * time.Minute},
		MaxConcurrentContracts: 8,
	}, config.ChainConfig{ID: 137, Name: "polygon", StartBlock: &start})

	assert.Equal(t, uint64(137), got.ChainID)
	assert.Equal(t, "polygon", got.Name)
	assert.Same(t, &start, got.StartBlock)
	assert.Equal(t, time.Second, got.PollLowerLimit)
	assert.Equal(t, time.Minute, got.PollUpperLimit)
	assert.Equal(t, 1.2, got.PollFactor)
	assert.Equal(t, 3, got.BytecodeRetries)
	assert.Equal(t, 8, got.MaxConcurrentContracts)
}

func TestVerifyCommand_UnknownChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sourcewatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[chains]]
id = 1
name = "mainnet"
rpc_url = "http://127.0.0.1:1"
`), 0o600))
	t.Setenv("SOURCEWATCH_CONFIG", path)

	// chain 1 is configured but never dialed; only the requested chain is
	err := runVerify(context.Background(), io.Discard, 5, "0x5FbDB2315678afecb367f032d93F642f64180aa3", false)
	assert.ErrorIs(t, err, chains.ErrChainNotFound)

	err = runVerify(context.Background(), io.Discard, 1, "not-an-address", false)
	assert.ErrorContains(t, err, "invalid address")
}

func TestMatchesCommands(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "m.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	const addr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	require.NoError(t, store.StoreMatch(ctx, &storage.Match{
		ChainID:          1,
		Address:          addr,
		Status:           "perfect",
		ContractName:     "src/Token.sol:Token",
		CompilerVersion:  "0.8.20+commit.a1b2c3d4",
		MetadataAddress:  "ipfs:QmMetadata",
		CompiledBytecode: []byte{0x60},
		DeployedBytecode: []byte{0x60},
		Sources:          map[string]string{"src/Token.sol": "contract Token {}"},
		CreatedAt:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}))

	t.Run("get", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runMatchesGet(ctx, &out, store, 1, addr, true))
		assert.Contains(t, out.String(), "address   "+addr)
		assert.Contains(t, out.String(), "status    perfect")
		assert.Contains(t, out.String(), "verified  2024-03-01 12:00:00")
		assert.Contains(t, out.String(), "// src/Token.sol\ncontract Token {}")

		assert.Error(t, runMatchesGet(ctx, io.Discard, store, 5, addr, false))
	})

	t.Run("list", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runMatchesList(ctx, &out, store, storage.MatchFilter{ChainID: 1}, storage.PaginationParams{}))
		assert.Contains(t, out.String(), "CHAIN")
		assert.Contains(t, out.String(), addr)
		assert.NotContains(t, out.String(), "more results")

		out.Reset()
		require.NoError(t, runMatchesList(ctx, &out, store, storage.MatchFilter{Status: "partial"}, storage.PaginationParams{}))
		assert.Equal(t, "No matches found\n", out.String())
	})
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := setupLogger(&config.Config{Logging: config.LoggingConfig{Level: "warn", Format: "auto"}}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	// a buffer is not a terminal, so auto selects JSON
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	setupLogger(&config.Config{Logging: config.LoggingConfig{Format: "text"}}, &buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

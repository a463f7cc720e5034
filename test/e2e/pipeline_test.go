//go:build e2e

// Package e2e runs the whole verification pipeline against a Postgres
// container, an in-process IPFS gateway and a scripted chain.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/sourcewatch/internal/assembly"
	"github.com/pendergraft/sourcewatch/internal/chains/evm"
	"github.com/pendergraft/sourcewatch/internal/config"
	"github.com/pendergraft/sourcewatch/internal/content"
	"github.com/pendergraft/sourcewatch/internal/gateway"
	"github.com/pendergraft/sourcewatch/internal/monitor"
	"github.com/pendergraft/sourcewatch/internal/server"
	"github.com/pendergraft/sourcewatch/internal/storage"
)

var postgresURL string

func TestMain(m *testing.M) {
	ctx := context.Background()

	log.Println("Starting Postgres container...")
	container, url, err := setupPostgresE(ctx)
	if err != nil {
		log.Fatalf("Failed to start postgres: %v", err)
	}
	postgresURL = url

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		log.Printf("Failed to terminate postgres container: %v", err)
	}
	os.Exit(code)
}

const tokenSource = "// SPDX-License-Identifier: MIT\npragma solidity ^0.8.20;\ncontract Token {}\n"

var deployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestPipeline_VerifiesDeployedContract(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewPostgresStore(postgresURL, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	// content served by the gateway
	multihash := append([]byte{0x12, 0x20}, make([]byte, 32)...)
	multihash[2] = 0xab
	metadataAddr, err := content.FromTrailer("ipfs", multihash)
	require.NoError(t, err)
	const sourceID = "QmTokenSource"

	ipfs := newIPFSGateway()
	ipfs.put(metadataAddr.ID, manifest(sourceID, tokenSource))
	ipfs.put(sourceID, []byte(tokenSource))
	gw := httptest.NewServer(ipfs)
	t.Cleanup(gw.Close)

	gateways, err := gateway.NewRegistry([]gateway.Config{{
		Origin:       content.OriginIPFS,
		BaseURL:      gw.URL + "/ipfs/",
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}}, logger)
	require.NoError(t, err)
	gateways.Start(ctx)
	t.Cleanup(gateways.Stop)

	// the chain deploys one matching and one mismatching contract
	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52, 0x00}
	deployed := withTrailer(code, multihash)

	ch := newChain()
	ch.emptyBlock()
	token := ch.deploy(deployer, 0, deployed)
	ch.emptyBlock()
	other := ch.deploy(deployer, 1, withTrailer([]byte{0x60, 0x01}, multihash))

	start := uint64(0)
	mon := monitor.New(monitor.Config{
		ChainID:               31337,
		Name:                  "anvil",
		StartBlock:            &start,
		PollLowerLimit:        5 * time.Millisecond,
		PollUpperLimit:        50 * time.Millisecond,
		BytecodeRetryInterval: 10 * time.Millisecond,
		BytecodeRetries:       2,
		AssemblyTimeout:       10 * time.Second,
	}, monitor.Deps{
		Client:    ch,
		Assembler: assembly.New(gateways, logger),
		Verifier:  evm.NewMatcher(echoCompiler{deployed: deployed}),
		Store:     store,
		Logger:    logger,
	})
	supervisor, err := monitor.NewSupervisor(logger, mon)
	require.NoError(t, err)
	require.NoError(t, supervisor.Start(ctx))
	t.Cleanup(func() {
		supervisor.Stop()
		supervisor.Wait()
	})

	api := httptest.NewServer(server.New(testConfig(), store, supervisor, logger).Handler())
	t.Cleanup(api.Close)

	var match map[string]any
	require.Eventually(t, func() bool {
		status, body, err := fetch(api.URL + fmt.Sprintf("/api/v1/matches/31337/%s", token.Hex()))
		return err == nil && status == http.StatusOK && json.Unmarshal(body, &match) == nil
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, "perfect", match["status"])
	assert.Equal(t, token.Hex(), match["address"])
	assert.Equal(t, "src/Token.sol:Token", match["contractName"])
	assert.Equal(t, "0.8.20+commit.a1b2c3d4", match["compilerVersion"])
	assert.Equal(t, metadataAddr.String(), match["metadataAddress"])
	assert.Equal(t, map[string]any{"src/Token.sol": tokenSource}, match["sources"])

	t.Run("mismatch is not stored", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return mon.Status().Cursor >= 4
		}, 5*time.Second, 10*time.Millisecond)

		// give the last contract time to settle before checking it is absent
		time.Sleep(100 * time.Millisecond)
		status, _ := get(t, api.URL+fmt.Sprintf("/api/v1/matches/31337/%s", other.Hex()))
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("monitor status", func(t *testing.T) {
		status, body := get(t, api.URL+"/api/v1/monitors")
		require.Equal(t, http.StatusOK, status)

		var resp struct {
			Data []struct {
				ChainID uint64 `json:"chainId"`
				State   string `json:"state"`
				Cursor  uint64 `json:"cursor"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, uint64(31337), resp.Data[0].ChainID)
		assert.Equal(t, "polling", resp.Data[0].State)
		assert.GreaterOrEqual(t, resp.Data[0].Cursor, uint64(4))
	})

	t.Run("list", func(t *testing.T) {
		status, body := get(t, api.URL+"/api/v1/matches/?chainId=31337&status=perfect")
		require.Equal(t, http.StatusOK, status)

		var resp struct {
			Data []map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, token.Hex(), resp.Data[0]["address"])
		assert.NotContains(t, resp.Data[0], "sources")
	})

	t.Run("ready", func(t *testing.T) {
		status, _ := get(t, api.URL+"/readyz")
		assert.Equal(t, http.StatusOK, status)
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "error", Format: "json"},
	}
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	status, body, err := fetch(url)
	require.NoError(t, err)
	return status, body
}

func fetch(url string) (int, []byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

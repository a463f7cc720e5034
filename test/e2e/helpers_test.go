//go:build e2e

package e2e

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pendergraft/sourcewatch/internal/chains"
	"github.com/pendergraft/sourcewatch/internal/chains/evm"
)

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("sourcewatch"),
		postgres.WithUsername("sourcewatch"),
		postgres.WithPassword("sourcewatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	return container, connString, nil
}

// chain is an in-memory chain whose blocks are appended by the test.
type chain struct {
	mu     sync.Mutex
	blocks []*chains.Block
	code   map[common.Address][]byte
}

func newChain() *chain {
	return &chain{code: make(map[common.Address][]byte)}
}

func (c *chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.blocks)), nil
}

func (c *chain) BlockByNumber(_ context.Context, n uint64) (*chains.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= uint64(len(c.blocks)) {
		return nil, chains.ErrBlockNotFound
	}
	return c.blocks[n], nil
}

func (c *chain) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[addr], nil
}

// deploy appends a block creating a contract with the given runtime code.
func (c *chain) deploy(from common.Address, nonce uint64, code []byte) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := crypto.CreateAddress(from, nonce)
	c.blocks = append(c.blocks, &chains.Block{
		Number:       uint64(len(c.blocks)),
		Transactions: []chains.Transaction{{From: from, Nonce: nonce}},
	})
	c.code[addr] = code
	return addr
}

// emptyBlock appends a block without transactions.
func (c *chain) emptyBlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, &chains.Block{Number: uint64(len(c.blocks))})
}

// echoCompiler "compiles" to whatever bytecode it was primed with.
type echoCompiler struct {
	deployed []byte
}

func (c echoCompiler) Compile(context.Context, evm.CompileInput) (*evm.CompileOutput, error) {
	return &evm.CompileOutput{DeployedBytecode: c.deployed}, nil
}

// withTrailer appends a metadata trailer referencing the IPFS multihash.
func withTrailer(code, multihash []byte) []byte {
	encoded, err := cbor.Marshal(map[string]any{"ipfs": multihash, "solc": []byte{0, 8, 20}})
	if err != nil {
		panic(err)
	}
	out := append(append([]byte{}, code...), encoded...)
	return binary.BigEndian.AppendUint16(out, uint16(len(encoded)))
}

// manifest builds a metadata manifest whose single source is fetched from
// IPFS.
func manifest(sourceID, source string) []byte {
	b, err := json.Marshal(map[string]any{
		"compiler": map[string]string{"version": "0.8.20+commit.a1b2c3d4"},
		"language": "Solidity",
		"settings": map[string]any{
			"compilationTarget": map[string]string{"src/Token.sol": "Token"},
			"optimizer":         map[string]any{"enabled": true, "runs": 200},
		},
		"sources": map[string]any{
			"src/Token.sol": map[string]any{
				"keccak256": crypto.Keccak256Hash([]byte(source)).Hex(),
				"urls":      []string{"dweb:/ipfs/" + sourceID},
			},
		},
		"version": 1,
	})
	if err != nil {
		panic(err)
	}
	return b
}

// ipfsGateway serves fixed content under /ipfs/<id>.
type ipfsGateway struct {
	mu      sync.Mutex
	content map[string][]byte
	hits    map[string]int
}

func newIPFSGateway() *ipfsGateway {
	return &ipfsGateway{content: make(map[string][]byte), hits: make(map[string]int)}
}

func (g *ipfsGateway) put(id string, body []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.content[id] = body
}

func (g *ipfsGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ipfs/")
	g.mu.Lock()
	body, ok := g.content[id]
	g.hits[id]++
	g.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(body)
}

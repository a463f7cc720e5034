// Package chains defines the chain RPC boundary used by the monitors and a
// registry of configured chains.
package chains

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Errors returned by chain clients.
var (
	ErrBlockNotFound    = errors.New("block not yet available")
	ErrNodeUnavailable  = errors.New("node unavailable")
	ErrChainNotFound    = errors.New("chain not configured")
	ErrDuplicateChainID = errors.New("duplicate chain ID")
)

// Client is the subset of JSON-RPC a chain monitor needs.
type Client interface {
	// BlockNumber returns the current chain tip.
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockByNumber returns a block with its transactions, or ErrBlockNotFound
	// when the node has not seen it yet.
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	// CodeAt returns the deployed bytecode at address (empty if none yet).
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
}

// Block is a block with the transaction fields needed to detect contract creations
type Block struct {
	Number       uint64
	Hash         common.Hash
	Transactions []Transaction
}

// Transaction is a minimal transaction view.
type Transaction struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address // nil for contract creation
	Nonce uint64
}

// IsContractCreation reports whether the transaction deploys a contract.
func (tx Transaction) IsContractCreation() bool {
	return tx.To == nil
}

// Chain is a configured chain together with its RPC client.
type Chain struct {
	ID     uint64
	Name   string
	Client Client
}

// Registry holds all configured chains keyed by chain ID
type Registry struct {
	chains map[uint64]*Chain
}

// NewRegistry creates a new chain registry
func NewRegistry() *Registry {
	return &Registry{
		chains: make(map[uint64]*Chain),
	}
}

// Register adds a chain to the registry
func (r *Registry) Register(c *Chain) error {
	if _, exists := r.chains[c.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateChainID, c.ID)
	}
	r.chains[c.ID] = c
	return nil
}

// Get retrieves a chain by ID
func (r *Registry) Get(id uint64) (*Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChainNotFound, id)
	}
	return c, nil
}

// List returns all registered chains ordered by ID
func (r *Registry) List() []*Chain {
	list := make([]*Chain, 0, len(r.chains))
	for _, c := range r.chains {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

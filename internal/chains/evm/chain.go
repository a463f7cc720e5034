// Package evm provides the EVM pieces of the verification pipeline: the
// JSON-RPC client, the bytecode metadata codec and the bytecode matcher.
package evm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pendergraft/sourcewatch/internal/chains"
)

// RPCClient implements chains.Client on top of go-ethereum's ethclient.
type RPCClient struct {
	client *ethclient.Client
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*RPCClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	return &RPCClient{client: client}, nil
}

// Close closes the underlying RPC connection
func (c *RPCClient) Close() {
	c.client.Close()
}

// ChainID returns the chain ID reported by the node
func (c *RPCClient) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chains.ErrNodeUnavailable, err)
	}
	return id.Uint64(), nil
}

// BlockNumber returns the current chain tip
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chains.ErrNodeUnavailable, err)
	}
	return n, nil
}

// rpcBlock holds the block fields the monitor reads. Transactions are not
// decoded as go-ethereum types so that chain-specific types (L2 deposits
// and the like) do not make the block unreadable.
type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         common.Hash      `json:"hash"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Nonce hexutil.Uint64  `json:"nonce"`
}

// BlockByNumber fetches a block with its transactions. Senders come from
// the node's "from" field; a transaction without one has a zero From.
func (c *RPCClient) BlockByNumber(ctx context.Context, number uint64) (*chains.Block, error) {
	var raw json.RawMessage
	if err := c.client.Client().CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return nil, fmt.Errorf("%w: %v", chains.ErrNodeUnavailable, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, chains.ErrBlockNotFound
	}

	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("%w: decoding block %d: %v", chains.ErrNodeUnavailable, number, err)
	}

	out := &chains.Block{
		Number:       uint64(block.Number),
		Hash:         block.Hash,
		Transactions: make([]chains.Transaction, 0, len(block.Transactions)),
	}
	for _, tx := range block.Transactions {
		out.Transactions = append(out.Transactions, chains.Transaction{
			Hash:  tx.Hash,
			From:  tx.From,
			To:    tx.To,
			Nonce: uint64(tx.Nonce),
		})
	}
	return out, nil
}

// CodeAt fetches the deployed bytecode at the latest block
func (c *RPCClient) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	code, err := c.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chains.ErrNodeUnavailable, err)
	}
	return code, nil
}

var _ chains.Client = (*RPCClient)(nil)

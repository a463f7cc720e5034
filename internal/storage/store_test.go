package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMatch(chainID uint64, address, status string, createdAt time.Time) *Match {
	return &Match{
		ChainID:          chainID,
		Address:          address,
		Status:           status,
		ContractName:     "src/Token.sol:Token",
		CompilerVersion:  "0.8.20+commit.a1b2c3d4",
		MetadataAddress:  "ipfs:QmdfTbBqBPQ7VNxZEYEj14VmRuZBkqFbiwReogJgS1zR1n",
		Metadata:         []byte(`{"version":1}`),
		CompiledBytecode: []byte{0x60, 0x80, 0x60, 0x40},
		DeployedBytecode: []byte{0x60, 0x80, 0x60, 0x40},
		Sources: map[string]string{
			"src/Token.sol": "contract Token {}",
			"src/Math.sol":  "library Math {}",
		},
		CreatedAt: createdAt,
	}
}

// runStoreTests exercises a Store implementation against a migrated database.
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("StoreAndGetMatch", func(t *testing.T) {
		m := testMatch(1, "0xAbCdEf0000000000000000000000000000000001", "perfect", base)
		require.NoError(t, store.StoreMatch(ctx, m))
		assert.NotEmpty(t, m.ID)

		got, err := store.GetMatch(ctx, 1, "0xabcdef0000000000000000000000000000000001")
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, uint64(1), got.ChainID)
		assert.Equal(t, "0xabcdef0000000000000000000000000000000001", got.Address)
		assert.Equal(t, "perfect", got.Status)
		assert.Equal(t, "src/Token.sol:Token", got.ContractName)
		assert.Equal(t, m.MetadataAddress, got.MetadataAddress)
		assert.Equal(t, m.Metadata, got.Metadata)
		assert.Equal(t, m.CompiledBytecode, got.CompiledBytecode)
		assert.Equal(t, m.DeployedBytecode, got.DeployedBytecode)
		assert.Equal(t, m.Sources, got.Sources)
		assert.True(t, base.Equal(got.CreatedAt), "created_at = %v", got.CreatedAt)
	})

	t.Run("StoreMatchIsIdempotent", func(t *testing.T) {
		m := testMatch(1, "0xabcdef0000000000000000000000000000000001", "partial", base)
		assert.ErrorIs(t, store.StoreMatch(ctx, m), ErrMatchExists)

		got, err := store.GetMatch(ctx, 1, "0xabcdef0000000000000000000000000000000001")
		require.NoError(t, err)
		assert.Equal(t, "perfect", got.Status)
	})

	t.Run("SameAddressOtherChain", func(t *testing.T) {
		m := testMatch(137, "0xabcdef0000000000000000000000000000000001", "partial", base.Add(time.Minute))
		require.NoError(t, store.StoreMatch(ctx, m))

		got, err := store.GetMatch(ctx, 137, "0xabcdef0000000000000000000000000000000001")
		require.NoError(t, err)
		assert.Equal(t, "partial", got.Status)
		// sources are shared by content hash
		assert.Equal(t, m.Sources, got.Sources)
	})

	t.Run("GetMatchNotFound", func(t *testing.T) {
		_, err := store.GetMatch(ctx, 1, "0x0000000000000000000000000000000000000bad")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListMatches", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			addr := fmt.Sprintf("0x%040x", 0x100+i)
			require.NoError(t, store.StoreMatch(ctx, testMatch(10, addr, "perfect", base.Add(time.Duration(i+2)*time.Minute))))
		}

		all, err := store.ListMatches(ctx, MatchFilter{}, PaginationParams{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, all.Data, 5)
		assert.False(t, all.HasMore)
		// newest first
		assert.Equal(t, fmt.Sprintf("0x%040x", 0x102), all.Data[0].Address)

		page, err := store.ListMatches(ctx, MatchFilter{ChainID: 10}, PaginationParams{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, page.Data, 2)
		assert.True(t, page.HasMore)

		rest, err := store.ListMatches(ctx, MatchFilter{ChainID: 10}, PaginationParams{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, rest.Data, 1)
		assert.False(t, rest.HasMore)

		partial, err := store.ListMatches(ctx, MatchFilter{Status: "partial"}, PaginationParams{})
		require.NoError(t, err)
		require.Len(t, partial.Data, 1)
		assert.Equal(t, uint64(137), partial.Data[0].ChainID)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}

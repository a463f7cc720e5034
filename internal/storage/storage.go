package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pendergraft/sourcewatch/internal/config"
)

// MatchStore handles verified match operations
type MatchStore interface {
	StoreMatch(ctx context.Context, m *Match) error
	GetMatch(ctx context.Context, chainID uint64, address string) (*Match, error)
	ListMatches(ctx context.Context, filter MatchFilter, pagination PaginationParams) (*PaginatedResult[Match], error)
}

// Store combines the storage interfaces with lifecycle methods.
// Consumers define their own minimal interfaces based on their actual usage.
type Store interface {
	MatchStore

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// Match is a stored verification result together with the sources it was
// recompiled from
type Match struct {
	ID               string
	ChainID          uint64
	Address          string
	Status           string
	ContractName     string // "<source unit>:<contract>"
	CompilerVersion  string
	MetadataAddress  string
	Metadata         []byte
	CompiledBytecode []byte
	DeployedBytecode []byte
	Sources          map[string]string // only populated by GetMatch
	CreatedAt        time.Time
}

// MatchFilter contains filter options for listing matches
type MatchFilter struct {
	ChainID uint64 // zero means all chains
	Status  string
}

// PaginationParams contains pagination options
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResult contains paginated results
type PaginatedResult[T any] struct {
	Data    []T
	HasMore bool
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// normalizeAddress lowercases a hex address so lookups are case-insensitive
func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// prepareMatch assigns a row ID and normalizes the fields used as keys.
func prepareMatch(m *Match) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Address = normalizeAddress(m.Address)
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}

// sourceHash keys the blobs table, so identical sources shared by several
// matches are stored once.
func sourceHash(src string) string {
	h := sha256.Sum256([]byte(src))
	return hex.EncodeToString(h[:])
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- Matches
	CREATE TABLE IF NOT EXISTS matches (
		id UUID PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL,
		contract_name TEXT NOT NULL,
		compiler_version TEXT NOT NULL,
		metadata_address TEXT,
		metadata BYTEA,
		compiled_bytecode BYTEA NOT NULL,
		deployed_bytecode BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(chain_id, address)
	);

	-- Blobs
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		content BYTEA NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Match sources
	CREATE TABLE IF NOT EXISTS match_sources (
		match_id UUID REFERENCES matches(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		blob_hash TEXT NOT NULL REFERENCES blobs(hash),
		PRIMARY KEY(match_id, path)
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status);
	CREATE INDEX IF NOT EXISTS idx_matches_created_at ON matches(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

// StoreMatch stores a match and its sources. It returns ErrMatchExists if a
// match for the same chain and address is already stored.
func (s *PostgresStore) StoreMatch(ctx context.Context, m *Match) error {
	prepareMatch(m)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO matches (id, chain_id, address, status, contract_name, compiler_version, metadata_address, metadata, compiled_bytecode, deployed_bytecode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT(chain_id, address) DO NOTHING
	`, m.ID, int64(m.ChainID), m.Address, m.Status, m.ContractName, m.CompilerVersion, m.MetadataAddress, m.Metadata,
		m.CompiledBytecode, m.DeployedBytecode, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting match: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrMatchExists
	}

	for path, src := range m.Sources {
		hash := sourceHash(src)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (hash, content, size_bytes) VALUES ($1, $2, $3)
			ON CONFLICT(hash) DO NOTHING
		`, hash, []byte(src), len(src)); err != nil {
			return fmt.Errorf("storing source %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_sources (match_id, path, blob_hash) VALUES ($1, $2, $3)
		`, m.ID, path, hash); err != nil {
			return fmt.Errorf("linking source %s: %w", path, err)
		}
	}

	return tx.Commit()
}

// GetMatch retrieves the match for a contract, including its sources
func (s *PostgresStore) GetMatch(ctx context.Context, chainID uint64, address string) (*Match, error) {
	query := `
		SELECT id, chain_id, address, status, contract_name, compiler_version, metadata_address, metadata, compiled_bytecode, deployed_bytecode, created_at
		FROM matches
		WHERE chain_id = $1 AND address = $2
	`
	m, err := scanPostgresMatch(s.db.QueryRowContext(ctx, query, int64(chainID), normalizeAddress(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ms.path, b.content
		FROM match_sources ms JOIN blobs b ON b.hash = ms.blob_hash
		WHERE ms.match_id = $1
	`, m.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m.Sources = make(map[string]string)
	for rows.Next() {
		var path string
		var content []byte
		if err := rows.Scan(&path, &content); err != nil {
			return nil, err
		}
		m.Sources[path] = string(content)
	}
	return m, rows.Err()
}

// ListMatches lists matches, newest first
func (s *PostgresStore) ListMatches(ctx context.Context, filter MatchFilter, pagination PaginationParams) (*PaginatedResult[Match], error) {
	var conditions []string
	var args []any
	if filter.ChainID != 0 {
		args = append(args, int64(filter.ChainID))
		conditions = append(conditions, fmt.Sprintf("chain_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT id, chain_id, address, status, contract_name, compiler_version, metadata_address, metadata, compiled_bytecode, deployed_bytecode, created_at FROM matches`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := limitOrDefault(pagination.Limit)
	args = append(args, limit+1, pagination.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanPostgresMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	return &PaginatedResult[Match]{Data: matches, HasMore: hasMore}, rows.Err()
}

func scanPostgresMatch(row rowScanner) (*Match, error) {
	var m Match
	var chainID int64
	var metadataAddress sql.NullString
	if err := row.Scan(&m.ID, &chainID, &m.Address, &m.Status, &m.ContractName, &m.CompilerVersion,
		&metadataAddress, &m.Metadata, &m.CompiledBytecode, &m.DeployedBytecode, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ChainID = uint64(chainID)
	m.MetadataAddress = metadataAddress.String
	return &m, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout has fixed-width fractions so created_at sorts lexically
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Matches
	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		chain_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL,
		contract_name TEXT NOT NULL,
		compiler_version TEXT NOT NULL,
		metadata_address TEXT,
		metadata BLOB,
		compiled_bytecode BLOB NOT NULL,
		deployed_bytecode BLOB NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(chain_id, address)
	);

	-- Blobs
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- Match sources
	CREATE TABLE IF NOT EXISTS match_sources (
		match_id TEXT REFERENCES matches(id) ON DELETE CASCADE,
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
func (s *SQLiteStore) StoreMatch(ctx context.Context, m *Match) error {
	prepareMatch(m)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO matches (id, chain_id, address, status, contract_name, compiler_version, metadata_address, metadata, compiled_bytecode, deployed_bytecode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, address) DO NOTHING
	`, m.ID, int64(m.ChainID), m.Address, m.Status, m.ContractName, m.CompilerVersion, m.MetadataAddress, m.Metadata,
		m.CompiledBytecode, m.DeployedBytecode, m.CreatedAt.Format(sqliteTimeLayout))
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
			INSERT INTO blobs (hash, content, size_bytes) VALUES (?, ?, ?)
			ON CONFLICT(hash) DO NOTHING
		`, hash, []byte(src), len(src)); err != nil {
			return fmt.Errorf("storing source %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_sources (match_id, path, blob_hash) VALUES (?, ?, ?)
		`, m.ID, path, hash); err != nil {
			return fmt.Errorf("linking source %s: %w", path, err)
		}
	}

	return tx.Commit()
}

// GetMatch retrieves the match for a contract, including its sources
func (s *SQLiteStore) GetMatch(ctx context.Context, chainID uint64, address string) (*Match, error) {
	query := `
		SELECT id, chain_id, address, status, contract_name, compiler_version, metadata_address, metadata, compiled_bytecode, deployed_bytecode, created_at
		FROM matches
		WHERE chain_id = ? AND address = ?
	`
	m, err := scanSQLiteMatch(s.db.QueryRowContext(ctx, query, int64(chainID), normalizeAddress(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ms.path, b.content
		FROM match_sources ms JOIN blobs b ON b.hash = ms.blob_hash
		WHERE ms.match_id = ?
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
func (s *SQLiteStore) ListMatches(ctx context.Context, filter MatchFilter, pagination PaginationParams) (*PaginatedResult[Match], error) {
	var conditions []string
	var args []any
	if filter.ChainID != 0 {
		conditions = append(conditions, "chain_id = ?")
		args = append(args, int64(filter.ChainID))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, chain_id, address, status, contract_name, compiler_version, metadata_address, metadata, compiled_bytecode, deployed_bytecode, created_at FROM matches`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := limitOrDefault(pagination.Limit)
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit+1, pagination.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanSQLiteMatch(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMatch(row rowScanner) (*Match, error) {
	var m Match
	var chainID int64
	var metadataAddress sql.NullString
	var createdAt string
	if err := row.Scan(&m.ID, &chainID, &m.Address, &m.Status, &m.ContractName, &m.CompilerVersion,
		&metadataAddress, &m.Metadata, &m.CompiledBytecode, &m.DeployedBytecode, &createdAt); err != nil {
		return nil, err
	}
	m.ChainID = uint64(chainID)
	m.MetadataAddress = metadataAddress.String
	t, err := time.Parse(sqliteTimeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return &m, nil
}

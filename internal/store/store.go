// Package store persists cached response snapshots in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS sag_cache (
            key TEXT PRIMARY KEY,
            url TEXT NOT NULL,
            snapshot JSONB NOT NULL,
            size BIGINT NOT NULL,
            stored_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateIndex = `CREATE INDEX IF NOT EXISTS sag_cache_stored_at_idx ON sag_cache (stored_at);`

	sqlSelectRow = `
        SELECT key, url, snapshot, size, stored_at
        FROM sag_cache
        WHERE key = $1;
    `
	sqlSelectRowForUpdate = `
        SELECT key, url, snapshot, size, stored_at
        FROM sag_cache
        WHERE key = $1
        FOR UPDATE;
    `
	// Keeps the newest rows whose running total fits in $2 and drops the rest.
	sqlEvict = `
        DELETE FROM sag_cache WHERE key IN (
            SELECT key FROM (
                SELECT key, SUM(size) OVER (ORDER BY stored_at DESC, key) AS running
                FROM sag_cache
                WHERE key <> $1
            ) ranked
            WHERE running > $2
        );
    `
	sqlUpsert = `
        INSERT INTO sag_cache (key, url, snapshot, size, stored_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (key) DO UPDATE SET
            url = EXCLUDED.url,
            snapshot = EXCLUDED.snapshot,
            size = EXCLUDED.size,
            stored_at = EXCLUDED.stored_at;
    `
	sqlDeleteRow = `DELETE FROM sag_cache WHERE key = $1;`
	sqlDeleteAll = `DELETE FROM sag_cache;`
	sqlTotalSize = `SELECT COALESCE(SUM(size), 0)::BIGINT FROM sag_cache;`
)

// Row is one stored snapshot.
type Row struct {
	Key      string
	URL      string
	Snapshot []byte
	Size     int64
	StoredAt time.Time
}

// Store reads and writes the sag_cache table.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the cache table and its index when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateTable); err != nil {
		return fmt.Errorf("failed to create sag_cache table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlCreateIndex); err != nil {
		return fmt.Errorf("failed to create sag_cache index: %w", err)
	}
	return nil
}

// Fetch returns the row stored under key, or nil when there is none.
func (s *Store) Fetch(ctx context.Context, key string) (*Row, error) {
	rows, err := s.pool.Query(ctx, sqlSelectRow, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache row: %w", err)
	}
	return scanOne(rows)
}

// Put stores row, first evicting the oldest rows so that the table stays
// within maxSize bytes once row is added. It returns the row it replaced.
func (s *Store) Put(ctx context.Context, row *Row, maxSize int64) (prev *Row, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows, err := tx.Query(ctx, sqlSelectRowForUpdate, row.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache row: %w", err)
	}
	if prev, err = scanOne(rows); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, sqlEvict, row.Key, maxSize-row.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to evict cache rows: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Debug("Evicted cache rows", zap.Int64("count", n))
	}

	if _, err := tx.Exec(ctx, sqlUpsert, row.Key, row.URL, string(row.Snapshot), row.Size, row.StoredAt.UTC()); err != nil {
		return nil, fmt.Errorf("failed to store cache row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return prev, nil
}

// Delete removes the row stored under key. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, sqlDeleteRow, key); err != nil {
		return fmt.Errorf("failed to delete cache row: %w", err)
	}
	return nil
}

// DeleteAll empties the table and returns the number of rows removed.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, sqlDeleteAll)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache table: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TotalSize returns the summed size of every stored row.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	rows, err := s.pool.Query(ctx, sqlTotalSize)
	if err != nil {
		return 0, fmt.Errorf("failed to query cache size: %w", err)
	}
	defer rows.Close()

	var total int64
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, fmt.Errorf("failed to scan cache size: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating cache size rows: %w", err)
	}
	return total, nil
}

func scanOne(rows pgx.Rows) (*Row, error) {
	defer rows.Close()

	var row *Row
	if rows.Next() {
		row = &Row{}
		if err := rows.Scan(&row.Key, &row.URL, &row.Snapshot, &row.Size, &row.StoredAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache rows: %w", err)
	}
	return row, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS actor_state (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements StateStore for PostgreSQL
type PostgresStore struct {
	staging
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL state store
func NewPostgresStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// Get retrieves a value
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if value, deleted, ok := s.lookup(key); ok {
		if deleted {
			return nil, ErrNotFound
		}
		return value, nil
	}

	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM actor_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set stages a value
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	s.set(key, value)
	return nil
}

// Delete stages a removal
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	s.delete(key)
	return nil
}

// Flush commits staged writes as one batch inside a transaction
func (s *PostgresStore) Flush(ctx context.Context) error {
	n, err := s.flush(func(writes map[string]pendingWrite) error {
		batch := &pgx.Batch{}
		for k, w := range writes {
			if w.deleted {
				batch.Queue(`DELETE FROM actor_state WHERE key = $1`, k)
				continue
			}
			batch.Queue(`
				INSERT INTO actor_state (key, value, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
				k, w.value)
		}

		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return tx.SendBatch(ctx, batch).Close()
		})
	})
	if err != nil {
		return fmt.Errorf("failed to flush %d keys: %w", n, err)
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

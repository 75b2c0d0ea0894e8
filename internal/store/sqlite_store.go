package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS actor_state (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore implements StateStore on an embedded SQLite database
type SQLiteStore struct {
	staging
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite state store opened", zap.String("path", path))

	return &SQLiteStore{
		db:     db,
		logger: logger,
	}, nil
}

// Get retrieves a value
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if value, deleted, ok := s.lookup(key); ok {
		if deleted {
			return nil, ErrNotFound
		}
		return value, nil
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM actor_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set stages a value
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	s.set(key, value)
	return nil
}

// Delete stages a removal
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.delete(key)
	return nil
}

// Flush commits staged writes in one transaction
func (s *SQLiteStore) Flush(ctx context.Context) error {
	_, err := s.flush(func(writes map[string]pendingWrite) error {
		return s.commit(ctx, writes)
	})
	return err
}

func (s *SQLiteStore) commit(ctx context.Context, writes map[string]pendingWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for k, w := range writes {
		if w.deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM actor_state WHERE key = ?`, k); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k, err)
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO actor_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, w.value, now)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the database handle
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

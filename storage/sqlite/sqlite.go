/*
The sqlite package backs a storage.Store with a sqlite database. It is the
backend of choice when the host application already ships sqlite, or when
state has to survive crashes that might truncate a plain file mid-write.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/parleychat/relaykit/storage"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS relay_state (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at INTEGER NOT NULL
)`

type Store struct {
	sqlDB *sql.DB
}

// Open opens, or creates, the database at path and makes sure our table
// exists
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.ExecContext(context.Background(), schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create relay_state table: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Get(key string) ([]byte, error) {
	row := s.sqlDB.QueryRowContext(
		context.Background(),
		`SELECT value FROM relay_state WHERE key = ?`,
		key,
	)

	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, &storage.KeyError{Key: key}
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Put(key string, value []byte) error {
	_, err := s.sqlDB.ExecContext(
		context.Background(),
		`INSERT INTO relay_state (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if _, err := s.sqlDB.ExecContext(
		context.Background(),
		`DELETE FROM relay_state WHERE key = ?`,
		key,
	); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

var _ storage.Store = (*Store)(nil)

package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencom/opencom-go/pkg/config"

	_ "github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

// SQLStore is a KV backed by database/sql. Local installs use the
// sqlite3 driver against a file path; server-side hosts may point at a
// remote libsql URL instead.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (and migrates) the credential database. A dsn
// beginning with libsql:// or wss:// selects the libsql driver,
// anything else is treated as a local SQLite path.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "wss://") {
		db, err = sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("libsql connection failed: %w", err)
		}
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create credential directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlite connection failed: %w", err)
		}
	}

	db.SetMaxOpenConns(config.DBMaxOpenConns)
	db.SetMaxIdleConns(config.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(config.DBConnMaxLifetimeMinutes) * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("credential database ping failed: %w", err)
	}

	store := &SQLStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("credential schema migration failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key)
	return err
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "hushh.db"

type Config struct {
	// DataDir holds the database file. Empty means the current directory.
	DataDir string
	// Path overrides DataDir when set. ":memory:" is accepted for tests.
	Path string
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func dbPath(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, ".hushh", defaultDBName)
}

// EnsureDataDir creates the directory holding the database if missing.
func EnsureDataDir(cfg Config) error {
	p := dbPath(cfg)
	if p == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(p), 0o700)
}

// Open opens the SQLite database with foreign keys, WAL and a busy timeout.
// A single connection is used so transactions serialize in-process.
func Open(cfg Config) (*sql.DB, error) {
	if err := EnsureDataDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath(cfg), err)
	}
	return conn, nil
}

// Path returns the db path for cfg.
func Path(cfg Config) string {
	return dbPath(cfg)
}

// Package db owns the embedded relational store: interner tables, named
// counters, and the data-store registry. One file, WAL journaling, single
// writer with many readers.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS counts (
		key TEXT NOT NULL PRIMARY KEY UNIQUE,
		count INTEGER NOT NULL
	) STRICT`,
	`INSERT OR IGNORE INTO counts (key, count) VALUES ('backlinks', 0)`,
	`CREATE TABLE IF NOT EXISTS outline_rkeys (
		id INTEGER PRIMARY KEY,
		rkey TEXT UNIQUE NOT NULL
	) STRICT`,
	`CREATE TABLE IF NOT EXISTS outline_dids (
		id INTEGER PRIMARY KEY,
		did TEXT UNIQUE NOT NULL
	) STRICT`,
	`CREATE TABLE IF NOT EXISTS collections (
		id INTEGER PRIMARY KEY,
		collection TEXT UNIQUE NOT NULL
	) STRICT`,
	`CREATE TABLE IF NOT EXISTS data_stores (
		id INTEGER PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('live', 'compacted')),
		compaction_in_progress INTEGER NOT NULL DEFAULT 0
	) STRICT`,
}

// DB wraps the sql handle with the schema applied and a named logger.
type DB struct {
	*sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the relational store at path and applies
// the schema. The connection uses WAL journaling and a busy timeout so
// short write contention retries instead of failing.
func Open(path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("db")

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	for _, stmt := range schema {
		if _, err := sqldb.Exec(stmt); err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	log.Info("relational store opened", zap.String("path", path))
	return &DB{DB: sqldb, log: log}, nil
}

// GetCount fetches a named counter. Returns ErrNotFound for unknown keys.
func (d *DB) GetCount(ctx context.Context, key string) (int64, error) {
	var n int64
	err := d.QueryRowContext(ctx, `SELECT count FROM counts WHERE key = ?`, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select count: %w", err)
	}
	return n, nil
}

// SetCount upserts a named counter to an absolute value.
func (d *DB) SetCount(ctx context.Context, key string, value int64) error {
	if _, err := d.ExecContext(ctx,
		`INSERT OR REPLACE INTO counts (key, count) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("upsert count: %w", err)
	}
	return nil
}

// AddCount folds a delta into a named counter, creating the row if missing.
func (d *DB) AddCount(ctx context.Context, key string, delta int64) error {
	if _, err := d.ExecContext(ctx,
		`INSERT INTO counts (key, count) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET count = count + excluded.count`, key, delta); err != nil {
		return fmt.Errorf("add count: %w", err)
	}
	return nil
}

// Ping verifies the handle and logs connection diagnostics.
func (d *DB) Ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.PingContext(ctx)
	elapsed := time.Since(start)

	if err != nil {
		d.log.Warn("connection failed", zap.Error(err), zap.Duration("rtt", elapsed))
	} else {
		d.log.Info("connection established", zap.Duration("rtt", elapsed))
	}
}

// Package store opens and guards each service's SQLite database. Every
// service owns exactly one file; all writes flow through a process-wide
// writer mutex and a BEGIN IMMEDIATE transaction, readers proceed in
// parallel under WAL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// DB wraps the service database with the single-writer discipline.
type DB struct {
	sql *sql.DB
	mu  sync.Mutex
}

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling, busy timeout, enforced foreign keys, and immediate write
// transactions. Fails if the parent directory is not writable.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate",
		url.PathEscape(path),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	return &DB{sql: db}, nil
}

// SQL exposes the underlying handle for reads and migrations.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Migrate applies a DDL script. Idempotent schemas (CREATE ... IF NOT
// EXISTS) are expected.
func (d *DB) Migrate(schema string) error {
	_, err := d.sql.Exec(schema)
	return err
}

// WriteTx runs fn inside a serialized write transaction. The transaction
// commits when fn returns nil and rolls back on any error, which is
// returned unchanged.
func (d *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsConstraint reports whether err is a SQLite constraint violation
// (unique index, check, foreign key). Services translate these into their
// categorical conflict codes.
func IsConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

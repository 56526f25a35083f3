// Package store wraps a SQLite database with the durability
// properties the wallet core depends on: WAL journaling, foreign key
// enforcement, and a strict transaction primitive that every other
// package uses for multi-row mutation. No package outside store is
// allowed to open its own connection or issue SQL directly against the
// handle's pool.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/walletlog"
)

var Err = er.NewErrorType("store")

var ErrOpen = Err.Code("failed to open database")
var ErrMigrate = Err.Code("migration failed")
var ErrTx = Err.Code("transaction failed")

// DB is a durable, transactional handle to the wallet's persisted
// state. It owns exactly one *sql.DB pool for the process lifetime.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path, applies
// pragmas for WAL journaling and foreign key enforcement, and runs any
// outstanding migrations. path may be ":memory:" or a shared in-memory
// DSN for tests.
func Open(ctx context.Context, path string) (*DB, er.R) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, er.Wrap(ErrOpen, err)
	}
	// Writers must serialize; SQLite's single-writer model makes a
	// wider pool pointless and invites "database is locked" errors.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Tx is the handle passed into a Transaction callback. It exposes only
// the two primitives components are allowed to use inside a
// transaction, mirroring Store's execute/query contract.
type Tx struct {
	tx *sql.Tx
}

// Exec runs a write statement against the in-flight transaction.
func (t *Tx) Exec(stmt string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(stmt, args...)
}

// Query runs a read statement against the in-flight transaction's
// stable snapshot.
func (t *Tx) Query(stmt string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(stmt, args...)
}

// QueryRow is the single-row convenience form of Query.
func (t *Tx) QueryRow(stmt string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(stmt, args...)
}

// Transaction runs fn inside a single SQLite transaction. fn sees a
// stable snapshot; any error returned by fn rolls back every write
// made so far and is propagated to the caller. On success the
// transaction commits atomically. fn must not retain t past return.
func (d *DB) Transaction(ctx context.Context, fn func(t *Tx) er.R) er.R {
	sqlTx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return er.Wrap(ErrTx, err)
	}

	if rerr := fn(&Tx{tx: sqlTx}); rerr != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			walletlog.Errorf("store: rollback after error also failed: %v", rbErr)
		}
		return rerr
	}

	if err := sqlTx.Commit(); err != nil {
		return er.Wrap(ErrTx, err)
	}
	return nil
}

// Execute runs a single write statement in its own implicit
// transaction. Prefer Transaction for anything spanning more than one
// statement.
func (d *DB) Execute(ctx context.Context, stmt string, args ...interface{}) er.R {
	return d.Transaction(ctx, func(t *Tx) er.R {
		if _, err := t.Exec(stmt, args...); err != nil {
			return er.Wrap(ErrTx, err)
		}
		return nil
	})
}

// Query runs a read-only statement directly against the pool, outside
// any transaction, for the common case of a single fast read.
func (d *DB) Query(ctx context.Context, stmt string, args ...interface{}) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, stmt, args...)
}

// QueryRow is the single-row convenience form of Query.
func (d *DB) QueryRow(ctx context.Context, stmt string, args ...interface{}) *sql.Row {
	return d.sql.QueryRowContext(ctx, stmt, args...)
}

// Package storage provides the shared PostgreSQL connection pool and the
// scoped transaction helper every mutating credit-engine operation runs in.
//
// The engine never holds a transaction across operations: each call site
// opens exactly one transaction via InTx and the helper guarantees the
// underlying resource is released on every exit path (commit, business
// error, or infrastructure failure).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps *sql.DB with transaction scoping.
type DB struct {
	*sql.DB
}

// Open connects to PostgreSQL, configures the pool, and verifies the
// connection with a ping.
func Open(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Wrap adapts an existing *sql.DB (tests, migrations).
func Wrap(db *sql.DB) *DB {
	return &DB{DB: db}
}

// InTx runs fn inside a serializable transaction. The transaction is
// committed only if fn returns nil; any error (or panic) rolls it back
// and no partial write becomes visible.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// MaskDSN hides credentials in a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres://***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}

// Package duckdb is the warehouse sink. Partition loads run through it as
// single transactions so a failed load never leaves a half-replaced
// partition behind.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// Execer is the statement surface shared by the connection and an open
// transaction.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// Sink wraps a DuckDB database.
type Sink struct {
	db *sql.DB
}

// Open connects to the database at path, creating it if absent. Use
// ":memory:" for an in-memory database.
func Open(ctx context.Context, path string) (*Sink, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Sink{db: db}, nil
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Exec runs one statement outside any transaction.
func (s *Sink) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// QueryRow runs a single-row query. Used by tests and health checks.
func (s *Sink) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside one transaction, committing on nil and rolling back
// on error or panic.
func (s *Sink) WithTx(ctx context.Context, fn func(tx Execer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(txExecer{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	done = true
	return nil
}

type txExecer struct {
	tx *sql.Tx
}

func (e txExecer) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := e.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

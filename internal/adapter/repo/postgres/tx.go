// Package postgres implements the relational store behind the domain
// repositories: jobs, parameters, status history, sequences, result
// files, annotations, idempotency keys, and the archive tables.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/genomeops/amr-service/internal/domain"
)

// PgxPool is the minimal subset of pgxpool used by the repositories,
// kept small so tests can stub it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// withTx runs fn inside one unit of work. The transaction commits when
// fn returns nil and rolls back otherwise; commit/begin failures are
// surfaced as ErrStorage so the caller can decide retry.
func withTx(ctx context.Context, pool PgxPool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=tx.begin: %w: %v", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=tx.commit: %w: %v", domain.ErrStorage, err)
	}
	return nil
}

// Package store persists principals, data sources and raw records in
// PostgreSQL.
//
// Repositories are built over DBTX so the same code runs against the pool
// or inside a transaction. Ingestion writes go through Store.InTx: the
// source row, its records and its final metadata commit together or not at
// all.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DBTX is the subset of database/sql used by repositories. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back on error or panic; panics are rethrown.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()

	return fn(ctx, tx)
}

// SourceWriter is the write side of ingestion.
type SourceWriter interface {
	InsertSource(ctx context.Context, ds *domain.DataSource) error
	InsertRecords(ctx context.Context, sourceID uuid.UUID, offset int, rows []domain.Row) error
	FinalizeSource(ctx context.Context, id uuid.UUID, cfg domain.SourceConfig, meta domain.Metadata) error
}

// Store bundles the repositories over one database handle.
type Store struct {
	db         *sql.DB
	Principals *Principals
	Sources    *Sources
}

// New wraps db.
func New(db *sql.DB) *Store {
	return &Store{
		db:         db,
		Principals: NewPrincipals(db),
		Sources:    NewSources(db),
	}
}

// OpenPool exposes a pgx pool through database/sql so goose and the
// repositories share the pool's connection settings.
func OpenPool(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InTx runs fn with a SourceWriter bound to a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, w SourceWriter) error) error {
	return WithTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		return fn(ctx, NewSources(tx))
	})
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound.WithMessage("%s not found", what)
	}
	return fmt.Errorf("db error: %w", err)
}

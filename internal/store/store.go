// Package store provides the data access layer over the queue tables.
// Record-level methods run against a Querier, which is satisfied both by
// *Conn (the single-connection worker session with deadlock retry and named
// savepoint transactions) and by *pgxpool.Pool (for the HTTP surface, where
// handlers run concurrently).
package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the minimal query surface shared by *Conn and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the record-level data access object for the queue,
// queue_processor, queue_response and queue_request tables.
type Store struct {
	db Querier
}

// New creates a Store backed by db.
func New(db Querier) *Store {
	return &Store{db: db}
}

// psql is the shared squirrel builder; all filters bind values as $n
// placeholders, never interpolated.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

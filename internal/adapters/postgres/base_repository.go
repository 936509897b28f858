package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type BaseRepository struct {
	db *Router
}

func NewBaseRepository(db *Router) BaseRepository {
	return BaseRepository{db: db}
}

// conn returns the connection for writes: the ambient transaction when one
// is open, otherwise the primary pool.
func (r *BaseRepository) conn(ctx context.Context) dbConn {
	if tx := GetTx(ctx); tx != nil {
		return tx
	}
	return r.db.Primary()
}

// readConn returns the connection for read-only queries. Reads inside a
// transaction stay on the transaction to see their own writes.
func (r *BaseRepository) readConn(ctx context.Context) dbConn {
	if tx := GetTx(ctx); tx != nil {
		return tx
	}
	return r.db.readPool()
}

// Package idempotency stores operation keys used to deduplicate retried calls.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, key string, at time.Time) (bool, error) {
	query :=
		`INSERT INTO idempotency_records (key, created_at)
		 VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, key, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffectedOne(res)
}

func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE created_at < $1`

	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

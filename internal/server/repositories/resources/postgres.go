// Package resources stores tenant-level transfer settings.
package resources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/dbx"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Upsert(ctx context.Context, res *models.Resource) error {
	query :=
		`INSERT INTO resources (id, name, purge_policy, ttl_seconds, grace_period_seconds)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   purge_policy = EXCLUDED.purge_policy,
		   ttl_seconds = EXCLUDED.ttl_seconds,
		   grace_period_seconds = EXCLUDED.grace_period_seconds`

	_, err := r.db.ExecContext(ctx, query, res.ID, res.Name, string(res.PurgePolicy),
		int64(res.TimeToLive/time.Second), int64(res.GracePeriod/time.Second))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Resource, error) {
	query :=
		`SELECT id, name, purge_policy, ttl_seconds, grace_period_seconds
		 FROM resources
		 WHERE id = $1`

	var (
		res        models.Resource
		policy     string
		ttl, grace  int64
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&res.ID, &res.Name, &policy, &ttl, &grace)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	res.PurgePolicy = models.PurgePolicy(policy)
	res.TimeToLive = time.Duration(ttl) * time.Second
	res.GracePeriod = time.Duration(grace) * time.Second
	return &res, nil
}

package actors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

func (r *PostgresRepository) GetOrCreate(ctx context.Context, externalID, candidateID string) (*models.Actor, error) {
	// the no-op update makes RETURNING yield the existing row on conflict
	query :=
		`INSERT INTO actors (id, external_id)
		 VALUES ($1, $2)
		 ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		 RETURNING id, external_id, created_at`

	a := &models.Actor{}
	err := r.db.QueryRowContext(ctx, query, candidateID, externalID).Scan(&a.ID, &a.ExternalID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return a, nil
}

func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Actor, error) {
	query :=
		`SELECT id, external_id, created_at FROM actors
		 WHERE external_id = $1`

	a := &models.Actor{}
	err := r.db.QueryRowContext(ctx, query, externalID).Scan(&a.ID, &a.ExternalID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return a, nil
}

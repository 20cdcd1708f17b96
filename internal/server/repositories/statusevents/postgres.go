// Package statusevents persists transfer and actor status events and the
// per-actor current status projection.
package statusevents

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

func (r *PostgresRepository) AppendTransferEvent(ctx context.Context, e *models.FileTransferStatusEvent) error {
	query :=
		`INSERT INTO file_transfer_status_events (transfer_id, status, status_rank, occurred_at, detail)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		e.TransferID, string(e.Status), e.Status.Rank(), e.At, e.Detail).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) TransferHistory(ctx context.Context, transferID string) ([]models.FileTransferStatusEvent, error) {
	query :=
		`SELECT id, transfer_id, status, occurred_at, detail
		 FROM file_transfer_status_events
		 WHERE transfer_id = $1
		 ORDER BY occurred_at, status_rank, id`

	rows, err := r.db.QueryContext(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.FileTransferStatusEvent
	for rows.Next() {
		var (
			e      models.FileTransferStatusEvent
			status string
		)
		if err := rows.Scan(&e.ID, &e.TransferID, &status, &e.At, &e.Detail); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		e.Status = models.Status(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) AppendActorEvent(ctx context.Context, e *models.ActorStatusEvent) error {
	query :=
		`INSERT INTO actor_status_events (transfer_id, actor_id, status, status_rank, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		e.TransferID, e.ActorID, string(e.Status), e.Status.Rank(), e.At).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FirstActorEvent(ctx context.Context, transferID, actorID string, status models.ActorStatus) (*models.ActorStatusEvent, error) {
	query :=
		`SELECT id, occurred_at
		 FROM actor_status_events
		 WHERE transfer_id = $1 AND actor_id = $2 AND status = $3
		 ORDER BY occurred_at, id
		 LIMIT 1`

	e := &models.ActorStatusEvent{TransferID: transferID, ActorID: actorID, Status: status}
	err := r.db.QueryRowContext(ctx, query, transferID, actorID, string(status)).Scan(&e.ID, &e.At)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) AdvanceActorStatus(ctx context.Context, p models.ActorStatusProjection) (bool, error) {
	query :=
		`INSERT INTO actor_transfer_status (transfer_id, actor_id, status, status_rank, status_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (transfer_id, actor_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   status_rank = EXCLUDED.status_rank,
		   status_at = EXCLUDED.status_at
		 WHERE (actor_transfer_status.status_at, actor_transfer_status.status_rank)
		   < (EXCLUDED.status_at, EXCLUDED.status_rank)`

	res, err := r.db.ExecContext(ctx, query,
		p.TransferID, p.ActorID, string(p.Status), p.Status.Rank(), p.StatusAt)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffectedOne(res)
}

func (r *PostgresRepository) ActorProjections(ctx context.Context, transferID string) ([]models.ActorStatusProjection, error) {
	query :=
		`SELECT transfer_id, actor_id, status, status_rank, status_at
		 FROM actor_transfer_status
		 WHERE transfer_id = $1`

	rows, err := r.db.QueryContext(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.ActorStatusProjection
	for rows.Next() {
		var (
			p      models.ActorStatusProjection
			status string
		)
		if err := rows.Scan(&p.TransferID, &p.ActorID, &status, &p.StatusRank, &p.StatusAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		p.Status = models.ActorStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

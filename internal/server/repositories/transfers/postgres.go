// Package transfers provides the file transfer repository.
package transfers

import (
	"context"
	"database/sql"
	"encoding/json"
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

func (r *PostgresRepository) Create(ctx context.Context, t *models.FileTransfer) error {
	props, err := json.Marshal(t.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	query :=
		`INSERT INTO file_transfers (id, resource_id, filename, sender_id, declared_checksum,
		   size, created_at, expires_at, current_status, current_status_rank, current_status_at,
		   purge_handle, properties)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)`

	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.ResourceID, t.Filename, t.SenderID, t.DeclaredChecksum,
		t.CreatedAt, t.ExpiresAt, string(t.Status), t.Status.Rank(), t.StatusAt,
		t.PurgeHandle, props)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	t.StatusRank = t.Status.Rank()
	return nil
}

const selectTransfer = `SELECT id, resource_id, filename, sender_id, declared_checksum, checksum, size,
		   storage_locator, created_at, expires_at, current_status, current_status_rank,
		   current_status_at, purge_handle, properties
		 FROM file_transfers
		 WHERE id = $1`

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.FileTransfer, error) {
	return r.get(ctx, selectTransfer, id)
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*models.FileTransfer, error) {
	return r.get(ctx, selectTransfer+" FOR UPDATE", id)
}

func (r *PostgresRepository) get(ctx context.Context, query, id string) (*models.FileTransfer, error) {

	var (
		t       models.FileTransfer
		status  string
		locator sql.NullString
		handle  sql.NullString
		props   []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.ResourceID, &t.Filename, &t.SenderID, &t.DeclaredChecksum, &t.Checksum, &t.Size,
		&locator, &t.CreatedAt, &t.ExpiresAt, &status, &t.StatusRank,
		&t.StatusAt, &handle, &props)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	t.Status = models.Status(status)
	t.StorageLocator = locator.String
	t.PurgeHandle = handle.String
	if len(props) > 0 {
		if err := json.Unmarshal(props, &t.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal properties: %w", err)
		}
	}

	return &t, nil
}

func (r *PostgresRepository) AddRecipients(ctx context.Context, transferID string, actorIDs []string) error {
	query :=
		`INSERT INTO transfer_recipients (transfer_id, actor_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`

	for _, actorID := range actorIDs {
		if _, err := r.db.ExecContext(ctx, query, transferID, actorID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) ListRecipients(ctx context.Context, transferID string) ([]models.Recipient, error) {
	query :=
		`SELECT a.id, a.external_id, COALESCE(s.status, ''), s.status_at
		 FROM transfer_recipients tr
		 JOIN actors a ON a.id = tr.actor_id
		 LEFT JOIN actor_transfer_status s
		   ON s.transfer_id = tr.transfer_id AND s.actor_id = tr.actor_id
		 WHERE tr.transfer_id = $1
		 ORDER BY a.external_id`

	rows, err := r.db.QueryContext(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var (
			rc     models.Recipient
			status string
			at     sql.NullTime
		)
		if err := rows.Scan(&rc.ActorID, &rc.ExternalID, &status, &at); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		rc.Status = models.ActorStatus(status)
		rc.StatusAt = at.Time
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) AdvanceStatus(ctx context.Context, id string, status models.Status, at time.Time) (bool, error) {
	query :=
		`UPDATE file_transfers
		 SET current_status = $2, current_status_rank = $3, current_status_at = $4
		 WHERE id = $1 AND (current_status_at, current_status_rank) < ($4, $3)
		   AND current_status NOT IN ('Purged', 'Deleted')`

	res, err := r.db.ExecContext(ctx, query, id, string(status), status.Rank(), at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffectedOne(res)
}

func (r *PostgresRepository) CompleteUpload(ctx context.Context, id string, checksum []byte, size int64, locator string) error {
	query :=
		`UPDATE file_transfers
		 SET checksum = $2, size = $3, storage_locator = $4
		 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, checksum, size, locator)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ok, err := dbx.RowsAffectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) SwapPurgeHandle(ctx context.Context, id, old, handle string) (bool, error) {
	query :=
		`UPDATE file_transfers
		 SET purge_handle = NULLIF($3, '')
		 WHERE id = $1 AND COALESCE(purge_handle, '') = $2
		   AND current_status NOT IN ('Purged', 'Deleted')`

	res, err := r.db.ExecContext(ctx, query, id, old, handle)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffectedOne(res)
}

func (r *PostgresRepository) MarkTerminal(ctx context.Context, id string, status models.Status, at time.Time) (bool, error) {
	query :=
		`UPDATE file_transfers
		 SET current_status = $2, current_status_rank = $3,
		   current_status_at = GREATEST(current_status_at, $4),
		   storage_locator = NULL, purge_handle = NULL
		 WHERE id = $1 AND current_status NOT IN ('Purged', 'Deleted')`

	res, err := r.db.ExecContext(ctx, query, id, string(status), status.Rank(), at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.RowsAffectedOne(res)
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query :=
		`SELECT id FROM file_transfers
		 WHERE expires_at <= $1 AND current_status NOT IN ('Purged', 'Deleted')
		 ORDER BY expires_at
		 LIMIT $2`

	return r.selectIDs(ctx, query, now, limit)
}

func (r *PostgresRepository) ListGraceEligible(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query :=
		`SELECT f.id FROM file_transfers f
		 JOIN resources r ON r.id = f.resource_id
		 WHERE f.current_status = 'AllConfirmedDownloaded'
		   AND r.purge_policy = 'after_confirmation'
		   AND f.current_status_at + make_interval(secs => r.grace_period_seconds) <= $1
		 ORDER BY f.current_status_at
		 LIMIT $2`

	return r.selectIDs(ctx, query, now, limit)
}

func (r *PostgresRepository) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ids, nil
}

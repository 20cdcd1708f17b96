package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/client/models"
	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, e *models.HistoryEntry) error {
	query := `INSERT INTO transfer_history (transfer_id, role, filename, local_path, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			filename = CASE WHEN excluded.filename = '' THEN transfer_history.filename ELSE excluded.filename END,
			local_path = CASE WHEN excluded.local_path = '' THEN transfer_history.local_path ELSE excluded.local_path END,
			status = excluded.status,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		e.TransferID, string(e.Role), e.Filename, e.LocalPath, e.Status, e.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert history %s: %w", e.TransferID, err)
	}
	return nil
}

const selectEntry = `SELECT transfer_id, role, filename, local_path, status, updated_at FROM transfer_history`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*models.HistoryEntry, error) {
	var (
		e       models.HistoryEntry
		role    string
		updated int64
	)
	if err := s.Scan(&e.TransferID, &role, &e.Filename, &e.LocalPath, &e.Status, &updated); err != nil {
		return nil, err
	}
	e.Role = models.Role(role)
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return &e, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, transferID string) (*models.HistoryEntry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, selectEntry+` WHERE transfer_id = ?`, transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", transferID, err)
	}
	return e, nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, selectEntry+` ORDER BY updated_at DESC, transfer_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var result []models.HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, transferID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transfer_history WHERE transfer_id = ?`, transferID)
	if err != nil {
		return fmt.Errorf("delete history %s: %w", transferID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete history %s: %w", transferID, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

package history

import (
	"context"

	"github.com/dmitrijs2005/transferbroker/internal/client/models"
)

type Repository interface {
	// Upsert records e, replacing the stored status. The role of an existing
	// entry is kept and an empty LocalPath does not erase a known one.
	Upsert(ctx context.Context, e *models.HistoryEntry) error
	GetByID(ctx context.Context, transferID string) (*models.HistoryEntry, error)
	// List returns up to limit entries, most recently updated first.
	List(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	Delete(ctx context.Context, transferID string) error
}

package transfers

import (
	"context"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/server/models"
)

// Repository persists file transfers, their recipient links and the
// denormalized current-status projection.
type Repository interface {
	Create(ctx context.Context, t *models.FileTransfer) error
	Get(ctx context.Context, id string) (*models.FileTransfer, error)
	// GetForUpdate is Get holding a row lock for the rest of the transaction.
	GetForUpdate(ctx context.Context, id string) (*models.FileTransfer, error)

	AddRecipients(ctx context.Context, transferID string, actorIDs []string) error
	ListRecipients(ctx context.Context, transferID string) ([]models.Recipient, error)

	// AdvanceStatus moves the projection forward only when (at, rank) is
	// strictly greater than the stored pair and the transfer is not yet
	// Purged or Deleted. It reports whether it did.
	AdvanceStatus(ctx context.Context, id string, status models.Status, at time.Time) (bool, error)
	CompleteUpload(ctx context.Context, id string, checksum []byte, size int64, locator string) error

	// SwapPurgeHandle replaces the purge handle when the stored one equals old.
	SwapPurgeHandle(ctx context.Context, id, old, handle string) (bool, error)
	// MarkTerminal claims Purged or Deleted unless a terminal status is
	// already set, clearing the storage locator and purge handle.
	MarkTerminal(ctx context.Context, id string, status models.Status, at time.Time) (bool, error)

	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListGraceEligible(ctx context.Context, now time.Time, limit int) ([]string, error)
}

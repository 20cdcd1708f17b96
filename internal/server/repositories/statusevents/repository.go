package statusevents

import (
	"context"

	"github.com/dmitrijs2005/transferbroker/internal/server/models"
)

// Repository is the append-only status ledger plus the per-actor projection.
type Repository interface {
	AppendTransferEvent(ctx context.Context, e *models.FileTransferStatusEvent) error
	TransferHistory(ctx context.Context, transferID string) ([]models.FileTransferStatusEvent, error)

	AppendActorEvent(ctx context.Context, e *models.ActorStatusEvent) error
	// FirstActorEvent returns the earliest event with status for the pair, or
	// common.ErrNotFound.
	FirstActorEvent(ctx context.Context, transferID, actorID string, status models.ActorStatus) (*models.ActorStatusEvent, error)

	// AdvanceActorStatus upserts the projection, moving it forward only when
	// (StatusAt, rank) is strictly greater than the stored pair.
	AdvanceActorStatus(ctx context.Context, p models.ActorStatusProjection) (bool, error)
	ActorProjections(ctx context.Context, transferID string) ([]models.ActorStatusProjection, error)
}

// Package ledger records transfer and actor status changes.
//
// Every change is appended to the event log and folded into the current
// status projection in one transaction. The projection only moves forward in
// (timestamp, rank) order, so events may arrive in any order. Purged and
// Deleted are sticky: an event ordered after them is rejected and not logged.
package ledger

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/dbx"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/metrics"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/repomanager"
)

type Ledger struct {
	rm  repomanager.RepositoryManager
	log logging.Logger
}

func New(rm repomanager.RepositoryManager, log logging.Logger) *Ledger {
	return &Ledger{rm: rm, log: log.With("module", "ledger")}
}

// Record appends e and advances the transfer projection. It reports whether
// the projection moved.
func (l *Ledger) Record(ctx context.Context, e *models.FileTransferStatusEvent) (bool, error) {
	var advanced bool
	err := l.rm.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		advanced, err = l.RecordTx(ctx, tx, e)
		return err
	})
	return advanced, err
}

// RecordTx is Record inside a caller-owned transaction.
func (l *Ledger) RecordTx(ctx context.Context, tx dbx.DBTX, e *models.FileTransferStatusEvent) (bool, error) {
	transfers := l.rm.Transfers(tx)

	advanced, err := transfers.AdvanceStatus(ctx, e.TransferID, e.Status, e.At)
	if err != nil {
		return false, fmt.Errorf("advance status: %w", err)
	}

	if !advanced {
		cur, err := transfers.Get(ctx, e.TransferID)
		if err != nil {
			return false, err
		}
		if cur.Status.Purged() && models.After(e.At, e.Status.Rank(), cur.StatusAt, cur.StatusRank) {
			return false, fmt.Errorf("transfer %s is %s: %w", e.TransferID, cur.Status, common.ErrInvalidState)
		}
		metrics.ProjectionWrites.WithLabelValues("transfer", "stale").Inc()
		l.log.Debug(ctx, "stale transfer status", "transfer_id", e.TransferID, "status", e.Status, "current", cur.Status)
	} else {
		metrics.ProjectionWrites.WithLabelValues("transfer", "advanced").Inc()
	}

	if err := l.rm.StatusEvents(tx).AppendTransferEvent(ctx, e); err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return advanced, nil
}

// RecordActor appends e and advances the (transfer, actor) projection.
func (l *Ledger) RecordActor(ctx context.Context, e *models.ActorStatusEvent) (bool, error) {
	var advanced bool
	err := l.rm.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		events := l.rm.StatusEvents(tx)
		if err := events.AppendActorEvent(ctx, e); err != nil {
			return fmt.Errorf("append actor event: %w", err)
		}
		var err error
		advanced, err = events.AdvanceActorStatus(ctx, models.ActorStatusProjection{
			TransferID: e.TransferID,
			ActorID:    e.ActorID,
			Status:     e.Status,
			StatusRank: e.Status.Rank(),
			StatusAt:   e.At,
		})
		if err != nil {
			return fmt.Errorf("advance actor status: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	result := "stale"
	if advanced {
		result = "advanced"
	}
	metrics.ProjectionWrites.WithLabelValues("actor", result).Inc()
	return advanced, nil
}

// History returns the transfer's events ordered by (timestamp, rank).
func (l *Ledger) History(ctx context.Context, transferID string) ([]models.FileTransferStatusEvent, error) {
	return l.rm.StatusEvents(l.rm.Conn()).TransferHistory(ctx, transferID)
}

// FirstActorEvent returns the earliest event of status for the pair.
func (l *Ledger) FirstActorEvent(ctx context.Context, transferID, actorID string, status models.ActorStatus) (*models.ActorStatusEvent, error) {
	return l.rm.StatusEvents(l.rm.Conn()).FirstActorEvent(ctx, transferID, actorID, status)
}

// Package purge deletes transfers at expiry or a grace period after every
// recipient confirmed the download.
//
// At most one trigger is kept scheduled per transfer, referenced by the
// transfer's purge handle. Execution re-reads the transfer, deletes the blob
// and claims the terminal status with a conditional update, so concurrent or
// repeated triggers never double-delete. Expiry always wins eventually.
package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/blobstore"
	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/dbx"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/metrics"
	"github.com/dmitrijs2005/transferbroker/internal/scheduler"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/repomanager"
)

type Trigger string

const (
	TriggerExpiry Trigger = "expiry"
	TriggerGrace  Trigger = "grace"
)

// Execution outcomes.
const (
	OutcomePurged   = "purged"
	OutcomeNoop     = "noop"
	OutcomeEarly    = "early"
	OutcomeLostRace = "lost_race"
	OutcomeError    = "error"
)

type Purger struct {
	rm    repomanager.RepositoryManager
	store blobstore.Store
	sched scheduler.Scheduler
	log   logging.Logger
	now   func() time.Time
}

func NewPurger(rm repomanager.RepositoryManager, store blobstore.Store, sched scheduler.Scheduler, log logging.Logger) *Purger {
	return &Purger{
		rm:    rm,
		store: store,
		sched: sched,
		log:   log.With("module", "purge"),
		now:   time.Now,
	}
}

func (p *Purger) task(transferID string, trigger Trigger) scheduler.Task {
	return func(ctx context.Context) {
		if _, err := p.Execute(ctx, transferID, trigger); err != nil {
			p.log.Error(ctx, "scheduled purge failed", "transfer_id", transferID, "trigger", trigger, "error", err)
		}
	}
}

// ArmExpiry schedules the expiry trigger and returns its handle, which the
// caller stores on the new transfer.
func (p *Purger) ArmExpiry(transferID string, expiresAt time.Time) (string, error) {
	h, err := p.sched.ScheduleAt(expiresAt, p.task(transferID, TriggerExpiry))
	if err != nil {
		return "", fmt.Errorf("schedule expiry: %w", err)
	}
	return h, nil
}

// Disarm cancels a handle obtained from ArmExpiry that was never persisted.
func (p *Purger) Disarm(handle string) {
	p.sched.Cancel(handle)
}

// ArmGrace schedules the grace trigger for a transfer that just reached
// AllConfirmedDownloaded. When the grace deadline is earlier than expiry it
// replaces the expiry task; otherwise the expiry task stays and nothing is
// scheduled.
func (p *Purger) ArmGrace(ctx context.Context, t *models.FileTransfer, res *models.Resource, confirmedAt time.Time) error {
	if res.PurgePolicy != models.PurgeAfterConfirmation {
		return nil
	}
	graceAt := confirmedAt.Add(res.GracePeriod)
	if !graceAt.Before(t.ExpiresAt) {
		p.log.Debug(ctx, "grace deadline not before expiry, keeping expiry", "transfer_id", t.ID)
		return nil
	}

	handle, err := p.sched.ScheduleAt(graceAt, p.task(t.ID, TriggerGrace))
	if err != nil {
		return fmt.Errorf("schedule grace: %w", err)
	}

	swapped, err := p.rm.Transfers(p.rm.Conn()).SwapPurgeHandle(ctx, t.ID, t.PurgeHandle, handle)
	if err != nil || !swapped {
		// lost to a concurrent swap or purge; the sweeper still covers both triggers
		p.sched.Cancel(handle)
		return err
	}
	if t.PurgeHandle != "" {
		p.sched.Cancel(t.PurgeHandle)
	}
	p.log.Info(ctx, "grace purge armed", "transfer_id", t.ID, "at", graceAt)
	return nil
}

// Execute runs trigger for transferID and returns the outcome label. Calling
// it repeatedly, early, or concurrently with the other trigger is safe.
func (p *Purger) Execute(ctx context.Context, transferID string, trigger Trigger) (string, error) {
	out, err := p.execute(ctx, transferID, trigger)
	if err != nil {
		out = OutcomeError
	}
	metrics.Purges.WithLabelValues(string(trigger), out).Inc()
	return out, err
}

func (p *Purger) execute(ctx context.Context, transferID string, trigger Trigger) (string, error) {
	transfers := p.rm.Transfers(p.rm.Conn())

	t, err := transfers.Get(ctx, transferID)
	if errors.Is(err, common.ErrNotFound) {
		return OutcomeNoop, nil
	}
	if err != nil {
		return "", err
	}
	if t.Status.Purged() {
		return OutcomeNoop, nil
	}

	now := p.now().UTC()
	target := models.StatusDeleted

	switch trigger {
	case TriggerExpiry:
		if now.Before(t.ExpiresAt) {
			return OutcomeEarly, nil
		}
	case TriggerGrace:
		if t.Status != models.StatusAllConfirmedDownloaded {
			return OutcomeNoop, nil
		}
		res, err := p.rm.Resources(p.rm.Conn()).Get(ctx, t.ResourceID)
		if err != nil {
			return "", fmt.Errorf("load resource: %w", err)
		}
		if res.PurgePolicy != models.PurgeAfterConfirmation {
			return OutcomeNoop, nil
		}
		if now.Before(t.StatusAt.Add(res.GracePeriod)) {
			return OutcomeEarly, nil
		}
		target = models.StatusPurged
	default:
		return "", fmt.Errorf("unknown trigger %q: %w", trigger, common.ErrValidation)
	}

	if t.StorageLocator != "" {
		if err := p.store.Delete(ctx, t.StorageLocator); err != nil {
			return "", fmt.Errorf("delete blob: %w", err)
		}
	}

	claimed := false
	err = p.rm.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		txTransfers := p.rm.Transfers(tx)
		ok, err := txTransfers.MarkTerminal(ctx, transferID, target, now)
		if err != nil || !ok {
			return err
		}
		claimed = true

		// log the event at the projection's timestamp so the projection stays
		// the maximum of the ledger
		cur, err := txTransfers.Get(ctx, transferID)
		if err != nil {
			return err
		}
		return p.rm.StatusEvents(tx).AppendTransferEvent(ctx, &models.FileTransferStatusEvent{
			TransferID: transferID,
			Status:     target,
			At:         cur.StatusAt,
			Detail:     string(trigger),
		})
	})
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", target, err)
	}
	if !claimed {
		return OutcomeLostRace, nil
	}

	if t.PurgeHandle != "" {
		p.sched.Cancel(t.PurgeHandle)
	}
	p.log.Info(ctx, "transfer purged", "transfer_id", transferID, "trigger", trigger, "status", target)
	return OutcomePurged, nil
}

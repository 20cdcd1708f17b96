// Package services contains server-side business logic. This file implements
// TransferService, the owner of the file transfer lifecycle: every status
// change of a transfer goes through it and is written via the status ledger.
package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/transferbroker/internal/blobstore"
	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/dbx"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/server/idempotency"
	"github.com/dmitrijs2005/transferbroker/internal/server/ledger"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
	"github.com/dmitrijs2005/transferbroker/internal/server/purge"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/transferbroker/internal/server/upload"
)

const opConfirmDownload = "confirm-download"

// InitializeRequest describes a new transfer. Sender and Recipients are
// external actor identifiers.
type InitializeRequest struct {
	ResourceID       string
	Filename         string
	Sender           string
	Recipients       []string
	DeclaredChecksum []byte
	Properties       map[string]string
}

// Confirmation is the outcome of ConfirmDownload.
type Confirmation struct {
	TransferID   string
	ActorID      string
	ConfirmedAt  time.Time
	AllConfirmed bool
}

// TransferStatus is a transfer with its ledger history and recipient states.
type TransferStatus struct {
	Transfer   *models.FileTransfer
	History    []models.FileTransferStatusEvent
	Recipients []models.Recipient
}

// ScanResult is an inbound malware scan verdict.
type ScanResult struct {
	TransferID string
	Infected   bool
	Detail     string
}

type TransferService struct {
	repomanager repomanager.RepositoryManager
	ledger      *ledger.Ledger
	guard       *idempotency.Guard
	engine      *upload.Engine
	store       blobstore.Store
	purger      *purge.Purger
	log         logging.Logger
	now         func() time.Time
}

func NewTransferService(
	rm repomanager.RepositoryManager,
	l *ledger.Ledger,
	guard *idempotency.Guard,
	engine *upload.Engine,
	store blobstore.Store,
	purger *purge.Purger,
	log logging.Logger,
) *TransferService {
	return &TransferService{
		repomanager: rm,
		ledger:      l,
		guard:       guard,
		engine:      engine,
		store:       store,
		purger:      purger,
		log:         log.With("module", "transfers"),
		now:         time.Now,
	}
}

// Initialize creates a transfer in Initialized, registers its actors and
// arms the expiry trigger.
func (s *TransferService) Initialize(ctx context.Context, req InitializeRequest) (*models.FileTransfer, error) {
	recipients, err := validateInitialize(req)
	if err != nil {
		return nil, err
	}

	res, err := s.repomanager.Resources(s.repomanager.Conn()).Get(ctx, req.ResourceID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("unknown resource %q: %w", req.ResourceID, common.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading resource: %w", err)
	}

	now := s.stamp(time.Time{})
	t := &models.FileTransfer{
		ID:               uuid.NewString(),
		ResourceID:       res.ID,
		Filename:         req.Filename,
		DeclaredChecksum: req.DeclaredChecksum,
		CreatedAt:        now,
		ExpiresAt:        now.Add(res.TimeToLive),
		Status:           models.StatusInitialized,
		StatusAt:         now,
		Properties:       req.Properties,
	}

	handle, err := s.purger.ArmExpiry(t.ID, t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	t.PurgeHandle = handle

	err = s.repomanager.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		actors := s.repomanager.Actors(tx)

		sender, err := actors.GetOrCreate(ctx, req.Sender, uuid.NewString())
		if err != nil {
			return fmt.Errorf("error registering sender: %w", err)
		}
		t.SenderID = sender.ID

		ids := make([]string, 0, len(recipients))
		for _, ext := range recipients {
			a, err := actors.GetOrCreate(ctx, ext, uuid.NewString())
			if err != nil {
				return fmt.Errorf("error registering recipient: %w", err)
			}
			ids = append(ids, a.ID)
		}

		transfers := s.repomanager.Transfers(tx)
		if err := transfers.Create(ctx, t); err != nil {
			return err
		}
		if err := transfers.AddRecipients(ctx, t.ID, ids); err != nil {
			return err
		}
		return s.repomanager.StatusEvents(tx).AppendTransferEvent(ctx, &models.FileTransferStatusEvent{
			TransferID: t.ID,
			Status:     models.StatusInitialized,
			At:         now,
		})
	})
	if err != nil {
		s.purger.Disarm(handle)
		return nil, fmt.Errorf("error creating transfer: %w", err)
	}

	s.log.Info(ctx, "transfer initialized", "transfer_id", t.ID, "resource_id", t.ResourceID, "recipients", len(recipients))
	return t, nil
}

// BeginUpload streams r into the transfer's blob and publishes it. An
// Initialized transfer moves to UploadStarted before reading and to
// UploadProcessing on the first byte; an attempt that finds the upload
// already started writes no status of its own. A declared checksum that does not match the computed one
// removes the blob and leaves the transfer unpublished.
func (s *TransferService) BeginUpload(ctx context.Context, actor, transferID string, sizeHint int64, r io.Reader) (*models.FileTransfer, error) {
	caller, err := s.caller(ctx, actor)
	if err != nil {
		return nil, err
	}
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.SenderID != caller.ID {
		return nil, common.ErrUnauthorized
	}

	// a retry or a concurrent attempt finds the upload already under way and
	// leaves the status alone
	if _, err := s.advance(ctx, transferID, models.StatusUploadStarted, "",
		[]models.Status{models.StatusUploadStarted, models.StatusUploadProcessing}, nil); err != nil {
		return nil, err
	}

	fr := &firstByteReader{r: r, onFirst: func() error {
		_, err := s.advance(ctx, transferID, models.StatusUploadProcessing, "",
			[]models.Status{models.StatusUploadProcessing}, nil)
		return err
	}}

	res, err := s.engine.Upload(ctx, transferID, sizeHint, fr, upload.Options{})
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	// an empty stream never delivers a first byte
	if err := fr.fire(); err != nil {
		s.removeBlob(ctx, transferID)
		return nil, err
	}

	if len(t.DeclaredChecksum) > 0 && !bytes.Equal(t.DeclaredChecksum, res.Digest) {
		s.removeBlob(ctx, transferID)
		s.log.Warn(ctx, "checksum mismatch", "transfer_id", transferID,
			"declared", hex.EncodeToString(t.DeclaredChecksum), "computed", hex.EncodeToString(res.Digest))
		return nil, fmt.Errorf("declared %x, computed %x: %w", t.DeclaredChecksum, res.Digest, common.ErrChecksumMismatch)
	}

	published, err := s.transition(ctx, transferID, models.StatusPublished, "",
		func(ctx context.Context, tx dbx.DBTX, cur *models.FileTransfer) error {
			cur.Checksum, cur.Size, cur.StorageLocator = res.Digest, res.Size, transferID
			return s.repomanager.Transfers(tx).CompleteUpload(ctx, transferID, res.Digest, res.Size, transferID)
		})
	if err != nil {
		s.removeBlob(ctx, transferID)
		return nil, err
	}

	s.log.Info(ctx, "transfer published", "transfer_id", transferID, "size", res.Size)
	return published, nil
}

// Download opens the blob and records a DownloadStarted for the calling
// recipient. Only Published and AllConfirmedDownloaded transfers are served.
func (s *TransferService) Download(ctx context.Context, actor, transferID string) (io.ReadCloser, *models.FileTransfer, error) {
	caller, err := s.caller(ctx, actor)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireRecipient(ctx, t.ID, caller.ID); err != nil {
		return nil, nil, err
	}
	if !downloadable(t.Status) || t.StorageLocator == "" {
		return nil, nil, fmt.Errorf("download in status %s: %w", t.Status, common.ErrInvalidState)
	}

	rc, err := s.store.Read(ctx, t.StorageLocator)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening blob: %w", err)
	}

	// only an attempt that can actually deliver content counts as started
	if _, err := s.ledger.RecordActor(ctx, &models.ActorStatusEvent{
		TransferID: t.ID,
		ActorID:    caller.ID,
		Status:     models.ActorStatusDownloadStarted,
		At:         s.stamp(time.Time{}),
	}); err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	return rc, t, nil
}

// ConfirmDownload records that the calling recipient received the file. It
// is idempotent per (transfer, actor), or per operationKey when given. When
// the last recipient confirms the transfer moves to AllConfirmedDownloaded
// and the grace trigger is armed.
func (s *TransferService) ConfirmDownload(ctx context.Context, actor, transferID, operationKey string) (*Confirmation, error) {
	caller, err := s.caller(ctx, actor)
	if err != nil {
		return nil, err
	}
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRecipient(ctx, t.ID, caller.ID); err != nil {
		return nil, err
	}

	_, err = s.ledger.FirstActorEvent(ctx, t.ID, caller.ID, models.ActorStatusDownloadStarted)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("confirm without download: %w", common.ErrValidation)
	}
	if err != nil {
		return nil, err
	}

	key := idempotency.Key(opConfirmDownload, t.ID, caller.ID)
	if operationKey != "" {
		key = idempotency.Key(opConfirmDownload, t.ID, caller.ID, operationKey)
	}

	c, err := idempotency.RunOnce(ctx, s.guard, key, func(ctx context.Context) (*Confirmation, error) {
		return s.confirm(ctx, t.ID, caller.ID)
	})
	if errors.Is(err, common.ErrAlreadyProcessed) {
		return s.priorConfirmation(ctx, t.ID, caller.ID)
	}
	return c, err
}

func (s *TransferService) confirm(ctx context.Context, transferID, actorID string) (*Confirmation, error) {
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if !downloadable(t.Status) {
		return nil, fmt.Errorf("confirm in status %s: %w", t.Status, common.ErrInvalidState)
	}

	at := s.stamp(time.Time{})
	if _, err := s.ledger.RecordActor(ctx, &models.ActorStatusEvent{
		TransferID: transferID,
		ActorID:    actorID,
		Status:     models.ActorStatusDownloadConfirmed,
		At:         at,
	}); err != nil {
		return nil, err
	}

	all, err := s.allConfirmed(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if all && t.Status == models.StatusPublished {
		s.completeConfirmation(ctx, transferID)
	}

	return &Confirmation{TransferID: transferID, ActorID: actorID, ConfirmedAt: at, AllConfirmed: all}, nil
}

// completeConfirmation moves the transfer to AllConfirmedDownloaded and arms
// the grace trigger. Failures are logged only: the recipient's confirmation
// is already recorded and the sweeper reconciles purge scheduling.
func (s *TransferService) completeConfirmation(ctx context.Context, transferID string) {
	t, err := s.transition(ctx, transferID, models.StatusAllConfirmedDownloaded, "", nil)
	if errors.Is(err, common.ErrInvalidState) {
		// a concurrent confirmation got there first
		s.log.Debug(ctx, "all-confirmed already recorded", "transfer_id", transferID)
		return
	}
	if err != nil {
		s.log.Error(ctx, "error recording all-confirmed", "transfer_id", transferID, "error", err)
		return
	}

	res, err := s.repomanager.Resources(s.repomanager.Conn()).Get(ctx, t.ResourceID)
	if err != nil {
		s.log.Error(ctx, "error loading resource", "transfer_id", transferID, "error", err)
		return
	}
	if err := s.purger.ArmGrace(ctx, t, res, t.StatusAt); err != nil {
		s.log.Error(ctx, "error arming grace purge", "transfer_id", transferID, "error", err)
	}
	s.log.Info(ctx, "all recipients confirmed", "transfer_id", transferID)
}

// priorConfirmation rebuilds the outcome of a confirmation executed by
// another process from the ledger.
func (s *TransferService) priorConfirmation(ctx context.Context, transferID, actorID string) (*Confirmation, error) {
	e, err := s.ledger.FirstActorEvent(ctx, transferID, actorID, models.ActorStatusDownloadConfirmed)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrAlreadyProcessed
	}
	if err != nil {
		return nil, err
	}
	all, err := s.allConfirmed(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return &Confirmation{TransferID: transferID, ActorID: actorID, ConfirmedAt: e.At, AllConfirmed: all}, nil
}

func (s *TransferService) allConfirmed(ctx context.Context, transferID string) (bool, error) {
	rs, err := s.repomanager.Transfers(s.repomanager.Conn()).ListRecipients(ctx, transferID)
	if err != nil {
		return false, err
	}
	if len(rs) == 0 {
		return false, nil
	}
	for _, r := range rs {
		if r.Status != models.ActorStatusDownloadConfirmed {
			return false, nil
		}
	}
	return true, nil
}

// Cancel lets the sender abandon a transfer before its upload is processed.
func (s *TransferService) Cancel(ctx context.Context, actor, transferID string) (*models.FileTransfer, error) {
	caller, err := s.caller(ctx, actor)
	if err != nil {
		return nil, err
	}
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.SenderID != caller.ID {
		return nil, common.ErrUnauthorized
	}

	out, err := s.transition(ctx, transferID, models.StatusCancelled, "cancelled by sender", nil)
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "transfer cancelled", "transfer_id", transferID)
	return out, nil
}

// GetStatus is available to the sender and the recipients of a transfer.
func (s *TransferService) GetStatus(ctx context.Context, actor, transferID string) (*TransferStatus, error) {
	caller, err := s.caller(ctx, actor)
	if err != nil {
		return nil, err
	}
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}

	rs, err := s.repomanager.Transfers(s.repomanager.Conn()).ListRecipients(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.SenderID != caller.ID && !hasRecipient(rs, caller.ID) {
		return nil, common.ErrUnauthorized
	}

	history, err := s.ledger.History(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return &TransferStatus{Transfer: t, History: history, Recipients: rs}, nil
}

// ReportScanResult applies a malware verdict. A positive verdict fails a
// transfer that is processing or published; a negative one changes nothing.
func (s *TransferService) ReportScanResult(ctx context.Context, r ScanResult) (*models.FileTransfer, error) {
	if !r.Infected {
		s.log.Debug(ctx, "clean scan result", "transfer_id", r.TransferID)
		return s.load(ctx, r.TransferID)
	}

	detail := r.Detail
	if detail == "" {
		detail = "malware detected"
	}
	t, err := s.transition(ctx, r.TransferID, models.StatusFailed, detail, nil)
	if err != nil {
		return nil, err
	}
	s.log.Warn(ctx, "transfer failed malware scan", "transfer_id", r.TransferID, "detail", detail)
	return t, nil
}

// transition moves transferID to status under a row lock, provided the
// lifecycle allows it from the current status. then runs in the same
// transaction after the ledger write.
func (s *TransferService) transition(
	ctx context.Context,
	transferID string,
	status models.Status,
	detail string,
	then func(ctx context.Context, tx dbx.DBTX, cur *models.FileTransfer) error,
) (*models.FileTransfer, error) {
	return s.advance(ctx, transferID, status, detail, nil, then)
}

// advance is transition, except that a transfer already in one of settled
// is returned unchanged and nothing is written.
func (s *TransferService) advance(
	ctx context.Context,
	transferID string,
	status models.Status,
	detail string,
	settled []models.Status,
	then func(ctx context.Context, tx dbx.DBTX, cur *models.FileTransfer) error,
) (*models.FileTransfer, error) {
	var out *models.FileTransfer
	err := s.repomanager.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		cur, err := s.repomanager.Transfers(tx).GetForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if slices.Contains(settled, cur.Status) {
			out = cur
			return nil
		}
		if !models.CanTransition(cur.Status, status) {
			return fmt.Errorf("%s to %s: %w", cur.Status, status, common.ErrInvalidState)
		}

		e := &models.FileTransferStatusEvent{
			TransferID: transferID,
			Status:     status,
			At:         s.stamp(cur.StatusAt),
			Detail:     detail,
		}
		advanced, err := s.ledger.RecordTx(ctx, tx, e)
		if err != nil {
			return err
		}
		if !advanced {
			return fmt.Errorf("%s to %s not applied: %w", cur.Status, status, common.ErrInvalidState)
		}
		cur.Status, cur.StatusRank, cur.StatusAt = status, status.Rank(), e.At

		if then != nil {
			if err := then(ctx, tx, cur); err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	return out, err
}

// stamp returns the current time, nudged past after so that a status the
// controller writes always orders after the one it replaces.
func (s *TransferService) stamp(after time.Time) time.Time {
	at := s.now().UTC().Truncate(time.Microsecond)
	if !at.After(after) {
		at = after.Add(time.Microsecond)
	}
	return at
}

func (s *TransferService) caller(ctx context.Context, externalID string) (*models.Actor, error) {
	if externalID == "" {
		return nil, common.ErrUnauthorized
	}
	a, err := s.repomanager.Actors(s.repomanager.Conn()).GetByExternalID(ctx, externalID)
	if errors.Is(err, common.ErrNotFound) {
		// an actor nobody referenced yet takes part in no transfer
		return nil, common.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("error loading actor: %w", err)
	}
	return a, nil
}

func (s *TransferService) load(ctx context.Context, transferID string) (*models.FileTransfer, error) {
	t, err := s.repomanager.Transfers(s.repomanager.Conn()).Get(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", transferID, err)
	}
	return t, nil
}

func (s *TransferService) requireRecipient(ctx context.Context, transferID, actorID string) error {
	rs, err := s.repomanager.Transfers(s.repomanager.Conn()).ListRecipients(ctx, transferID)
	if err != nil {
		return err
	}
	if !hasRecipient(rs, actorID) {
		return common.ErrUnauthorized
	}
	return nil
}

// removeBlob deletes an uploaded object that must not be published.
func (s *TransferService) removeBlob(ctx context.Context, objectID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.engine.Defaults().CleanupTimeout)
	defer cancel()
	if err := s.store.Delete(dctx, objectID); err != nil {
		s.log.Error(ctx, "error removing unpublished blob", "object_id", objectID, "error", err)
	}
}

func hasRecipient(rs []models.Recipient, actorID string) bool {
	for _, r := range rs {
		if r.ActorID == actorID {
			return true
		}
	}
	return false
}

func downloadable(st models.Status) bool {
	return st == models.StatusPublished || st == models.StatusAllConfirmedDownloaded
}

// Package memory implements every repository interface on top of a single
// mutex-guarded in-process store. It backs dev mode and service tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
)

type pairKey struct {
	transferID string
	actorID    string
}

// Store holds all broker tables in memory.
type Store struct {
	mu sync.Mutex

	resources   map[string]models.Resource
	actors      map[string]models.Actor // by ID
	actorsByExt map[string]string
	transfers   map[string]models.FileTransfer
	recipients  map[string][]string

	transferEvents []models.FileTransferStatusEvent
	actorEvents    []models.ActorStatusEvent
	projections    map[pairKey]models.ActorStatusProjection
	idempotency    map[string]time.Time

	nextEventID int64
}

func NewStore() *Store {
	return &Store{
		resources:   make(map[string]models.Resource),
		actors:      make(map[string]models.Actor),
		actorsByExt: make(map[string]string),
		transfers:   make(map[string]models.FileTransfer),
		recipients:  make(map[string][]string),
		projections: make(map[pairKey]models.ActorStatusProjection),
		idempotency: make(map[string]time.Time),
	}
}

func (s *Store) Transfers() *TransferRepository       { return &TransferRepository{s} }
func (s *Store) Actors() *ActorRepository             { return &ActorRepository{s} }
func (s *Store) StatusEvents() *StatusEventRepository { return &StatusEventRepository{s} }
func (s *Store) Idempotency() *IdempotencyRepository  { return &IdempotencyRepository{s} }
func (s *Store) Resources() *ResourceRepository       { return &ResourceRepository{s} }

// ---- resources ----

type ResourceRepository struct{ s *Store }

func (r *ResourceRepository) Upsert(ctx context.Context, res *models.Resource) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.resources[res.ID] = *res
	return nil
}

func (r *ResourceRepository) Get(ctx context.Context, id string) (*models.Resource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.resources[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &res, nil
}

// ---- actors ----

type ActorRepository struct{ s *Store }

func (r *ActorRepository) GetOrCreate(ctx context.Context, externalID, candidateID string) (*models.Actor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if id, ok := r.s.actorsByExt[externalID]; ok {
		a := r.s.actors[id]
		return &a, nil
	}
	a := models.Actor{ID: candidateID, ExternalID: externalID, CreatedAt: time.Now().UTC()}
	r.s.actors[a.ID] = a
	r.s.actorsByExt[externalID] = a.ID
	return &a, nil
}

func (r *ActorRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Actor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.actorsByExt[externalID]
	if !ok {
		return nil, common.ErrNotFound
	}
	a := r.s.actors[id]
	return &a, nil
}

// ---- transfers ----

type TransferRepository struct{ s *Store }

func cloneTransfer(t models.FileTransfer) *models.FileTransfer {
	t.Properties = maps.Clone(t.Properties)
	t.Checksum = slices.Clone(t.Checksum)
	t.DeclaredChecksum = slices.Clone(t.DeclaredChecksum)
	return &t
}

func (r *TransferRepository) Create(ctx context.Context, t *models.FileTransfer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.StatusRank = t.Status.Rank()
	r.s.transfers[t.ID] = *cloneTransfer(*t)
	return nil
}

func (r *TransferRepository) Get(ctx context.Context, id string) (*models.FileTransfer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transfers[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneTransfer(t), nil
}

// GetForUpdate is Get. The lock it stands for is held by the in-memory
// manager, which runs one transaction at a time.
func (r *TransferRepository) GetForUpdate(ctx context.Context, id string) (*models.FileTransfer, error) {
	return r.Get(ctx, id)
}

func (r *TransferRepository) AddRecipients(ctx context.Context, transferID string, actorIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := r.s.recipients[transferID]
	for _, id := range actorIDs {
		if !slices.Contains(cur, id) {
			cur = append(cur, id)
		}
	}
	r.s.recipients[transferID] = cur
	return nil
}

func (r *TransferRepository) ListRecipients(ctx context.Context, transferID string) ([]models.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Recipient
	for _, id := range r.s.recipients[transferID] {
		rc := models.Recipient{ActorID: id, ExternalID: r.s.actors[id].ExternalID}
		if p, ok := r.s.projections[pairKey{transferID, id}]; ok {
			rc.Status = p.Status
			rc.StatusAt = p.StatusAt
		}
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (r *TransferRepository) AdvanceStatus(ctx context.Context, id string, status models.Status, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transfers[id]
	if !ok || t.Status.Purged() {
		return false, nil
	}
	if !models.After(at, status.Rank(), t.StatusAt, t.StatusRank) {
		return false, nil
	}
	t.Status, t.StatusRank, t.StatusAt = status, status.Rank(), at
	r.s.transfers[id] = t
	return true, nil
}

func (r *TransferRepository) CompleteUpload(ctx context.Context, id string, checksum []byte, size int64, locator string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transfers[id]
	if !ok {
		return common.ErrNotFound
	}
	t.Checksum, t.Size, t.StorageLocator = slices.Clone(checksum), size, locator
	r.s.transfers[id] = t
	return nil
}

func (r *TransferRepository) SwapPurgeHandle(ctx context.Context, id, old, handle string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transfers[id]
	if !ok || t.PurgeHandle != old || t.Status.Purged() {
		return false, nil
	}
	t.PurgeHandle = handle
	r.s.transfers[id] = t
	return true, nil
}

func (r *TransferRepository) MarkTerminal(ctx context.Context, id string, status models.Status, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transfers[id]
	if !ok || t.Status.Purged() {
		return false, nil
	}
	t.Status, t.StatusRank = status, status.Rank()
	if at.After(t.StatusAt) {
		t.StatusAt = at
	}
	t.StorageLocator, t.PurgeHandle = "", ""
	r.s.transfers[id] = t
	return true, nil
}

func (r *TransferRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.FileTransfer
	for _, t := range r.s.transfers {
		if !t.Status.Purged() && !t.ExpiresAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return limitIDs(out, limit), nil
}

func (r *TransferRepository) ListGraceEligible(ctx context.Context, now time.Time, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.FileTransfer
	for _, t := range r.s.transfers {
		if t.Status != models.StatusAllConfirmedDownloaded {
			continue
		}
		res, ok := r.s.resources[t.ResourceID]
		if !ok || res.PurgePolicy != models.PurgeAfterConfirmation {
			continue
		}
		if !t.StatusAt.Add(res.GracePeriod).After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusAt.Before(out[j].StatusAt) })
	return limitIDs(out, limit), nil
}

func limitIDs(ts []models.FileTransfer, limit int) []string {
	if limit > 0 && len(ts) > limit {
		ts = ts[:limit]
	}
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		ids = append(ids, t.ID)
	}
	return ids
}

// ---- status events ----

type StatusEventRepository struct{ s *Store }

func (r *StatusEventRepository) AppendTransferEvent(ctx context.Context, e *models.FileTransferStatusEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextEventID++
	e.ID = r.s.nextEventID
	r.s.transferEvents = append(r.s.transferEvents, *e)
	return nil
}

func (r *StatusEventRepository) TransferHistory(ctx context.Context, transferID string) ([]models.FileTransferStatusEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.FileTransferStatusEvent
	for _, e := range r.s.transferEvents {
		if e.TransferID == transferID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if a.Status.Rank() != b.Status.Rank() {
			return a.Status.Rank() < b.Status.Rank()
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (r *StatusEventRepository) AppendActorEvent(ctx context.Context, e *models.ActorStatusEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextEventID++
	e.ID = r.s.nextEventID
	r.s.actorEvents = append(r.s.actorEvents, *e)
	return nil
}

func (r *StatusEventRepository) FirstActorEvent(ctx context.Context, transferID, actorID string, status models.ActorStatus) (*models.ActorStatusEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var first *models.ActorStatusEvent
	for i := range r.s.actorEvents {
		e := r.s.actorEvents[i]
		if e.TransferID != transferID || e.ActorID != actorID || e.Status != status {
			continue
		}
		if first == nil || e.At.Before(first.At) {
			first = &e
		}
	}
	if first == nil {
		return nil, common.ErrNotFound
	}
	return first, nil
}

func (r *StatusEventRepository) AdvanceActorStatus(ctx context.Context, p models.ActorStatusProjection) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := pairKey{p.TransferID, p.ActorID}
	p.StatusRank = p.Status.Rank()
	if cur, ok := r.s.projections[k]; ok && !models.After(p.StatusAt, p.StatusRank, cur.StatusAt, cur.StatusRank) {
		return false, nil
	}
	r.s.projections[k] = p
	return true, nil
}

func (r *StatusEventRepository) ActorProjections(ctx context.Context, transferID string) ([]models.ActorStatusProjection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ActorStatusProjection
	for k, p := range r.s.projections {
		if k.transferID == transferID {
			out = append(out, p)
		}
	}
	return out, nil
}

// ---- idempotency ----

type IdempotencyRepository struct{ s *Store }

func (r *IdempotencyRepository) Insert(ctx context.Context, key string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.idempotency[key]; ok {
		return false, nil
	}
	r.s.idempotency[key] = at
	return true, nil
}

func (r *IdempotencyRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, at := range r.s.idempotency {
		if at.Before(before) {
			delete(r.s.idempotency, k)
			n++
		}
	}
	return n, nil
}

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTransfer(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, s.Transfers().Create(context.Background(), &models.FileTransfer{
		ID: id, ResourceID: "R", Status: models.StatusInitialized, StatusAt: at,
		CreatedAt: at, ExpiresAt: at.Add(time.Hour), PurgeHandle: "h-1",
	}))
}

func TestActors_DedupByExternalID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	a1, err := s.Actors().GetOrCreate(ctx, "alice", "id-1")
	require.NoError(t, err)
	a2, err := s.Actors().GetOrCreate(ctx, "alice", "id-2")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)

	_, err = s.Actors().GetByExternalID(ctx, "bob")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestTransfers_AdvanceStatusOutOfOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	seedTransfer(t, s, "t-1", t0)
	repo := s.Transfers()

	ok, err := repo.AdvanceStatus(ctx, "t-1", models.StatusPublished, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// late delivery of an older event is ignored
	ok, err = repo.AdvanceStatus(ctx, "t-1", models.StatusUploadProcessing, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// equal timestamp resolves by rank
	ok, err = repo.AdvanceStatus(ctx, "t-1", models.StatusFailed, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestTransfers_MarkTerminalOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	seedTransfer(t, s, "t-1", t0)
	repo := s.Transfers()
	require.NoError(t, repo.CompleteUpload(ctx, "t-1", []byte{1}, 1, "obj"))

	var wg sync.WaitGroup
	wins := make(chan models.Status, 2)
	for _, st := range []models.Status{models.StatusPurged, models.StatusDeleted} {
		wg.Add(1)
		go func(st models.Status) {
			defer wg.Done()
			ok, err := repo.MarkTerminal(ctx, "t-1", st, t0.Add(time.Second))
			assert.NoError(t, err)
			if ok {
				wins <- st
			}
		}(st)
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, got.Status.Purged())
	assert.Empty(t, got.StorageLocator)
	assert.Empty(t, got.PurgeHandle)
}

func TestTransfers_SwapPurgeHandle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedTransfer(t, s, "t-1", time.Now())
	repo := s.Transfers()

	ok, _ := repo.SwapPurgeHandle(ctx, "t-1", "wrong", "h-2")
	assert.False(t, ok)
	ok, _ = repo.SwapPurgeHandle(ctx, "t-1", "h-1", "h-2")
	assert.True(t, ok)

	got, _ := repo.Get(ctx, "t-1")
	assert.Equal(t, "h-2", got.PurgeHandle)
}

func TestTransfers_ListExpiredAndGrace(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Resources().Upsert(ctx, &models.Resource{
		ID: "R", PurgePolicy: models.PurgeAfterConfirmation, TimeToLive: time.Hour, GracePeriod: time.Minute,
	}))

	seedTransfer(t, s, "fresh", now)
	seedTransfer(t, s, "old", now.Add(-2*time.Hour))
	seedTransfer(t, s, "confirmed", now.Add(-10*time.Minute))
	_, err := s.Transfers().AdvanceStatus(ctx, "confirmed", models.StatusAllConfirmedDownloaded, now.Add(-5*time.Minute))
	require.NoError(t, err)

	ids, err := s.Transfers().ListExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	ids, err = s.Transfers().ListGraceEligible(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"confirmed"}, ids)
}

func TestStatusEvents_ProjectionAndFirstEvent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	repo := s.StatusEvents()

	for _, at := range []time.Time{t0.Add(time.Second), t0} {
		require.NoError(t, repo.AppendActorEvent(ctx, &models.ActorStatusEvent{
			TransferID: "t-1", ActorID: "a-1", Status: models.ActorStatusDownloadStarted, At: at,
		}))
	}
	first, err := repo.FirstActorEvent(ctx, "t-1", "a-1", models.ActorStatusDownloadStarted)
	require.NoError(t, err)
	assert.True(t, first.At.Equal(t0))

	_, err = repo.FirstActorEvent(ctx, "t-1", "a-1", models.ActorStatusDownloadConfirmed)
	assert.ErrorIs(t, err, common.ErrNotFound)

	ok, _ := repo.AdvanceActorStatus(ctx, models.ActorStatusProjection{
		TransferID: "t-1", ActorID: "a-1", Status: models.ActorStatusDownloadConfirmed, StatusAt: t0,
	})
	assert.True(t, ok)
	ok, _ = repo.AdvanceActorStatus(ctx, models.ActorStatusProjection{
		TransferID: "t-1", ActorID: "a-1", Status: models.ActorStatusDownloadStarted, StatusAt: t0,
	})
	assert.False(t, ok)

	ps, err := repo.ActorProjections(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, models.ActorStatusDownloadConfirmed, ps[0].Status)
}

func TestTransferHistory_OrderedByTimeThenRank(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	repo := s.StatusEvents()

	for _, e := range []models.FileTransferStatusEvent{
		{TransferID: "t-1", Status: models.StatusPublished, At: t0},
		{TransferID: "t-1", Status: models.StatusInitialized, At: t0.Add(-time.Second)},
		{TransferID: "t-1", Status: models.StatusUploadProcessing, At: t0},
		{TransferID: "t-2", Status: models.StatusInitialized, At: t0},
	} {
		require.NoError(t, repo.AppendTransferEvent(ctx, &e))
	}

	h, err := repo.TransferHistory(ctx, "t-1")
	require.NoError(t, err)
	var got []models.Status
	for _, e := range h {
		got = append(got, e.Status)
	}
	assert.Equal(t, []models.Status{models.StatusInitialized, models.StatusUploadProcessing, models.StatusPublished}, got)
}

func TestIdempotency_InsertAndGC(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()
	repo := s.Idempotency()

	ok, _ := repo.Insert(ctx, "k", now.Add(-time.Hour))
	assert.True(t, ok)
	ok, _ = repo.Insert(ctx, "k", now)
	assert.False(t, ok)

	n, err := repo.DeleteOlderThan(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ok, _ = repo.Insert(ctx, "k", now)
	assert.True(t, ok)
}

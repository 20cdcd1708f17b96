package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/repomanager"
)

func newLedger(t *testing.T, at time.Time) (*Ledger, repomanager.RepositoryManager) {
	t.Helper()
	rm := repomanager.NewInMemoryRepositoryManager()
	require.NoError(t, rm.Transfers(nil).Create(context.Background(), &models.FileTransfer{
		ID: "t-1", Status: models.StatusInitialized, StatusAt: at, CreatedAt: at, ExpiresAt: at.Add(time.Hour),
	}))
	return New(rm, logging.Discard()), rm
}

func TestRecord_OutOfOrderNeverRegresses(t *testing.T) {
	t0 := time.Now().UTC()
	l, rm := newLedger(t, t0)
	ctx := context.Background()

	events := []models.FileTransferStatusEvent{
		{TransferID: "t-1", Status: models.StatusUploadStarted, At: t0.Add(1 * time.Second)},
		{TransferID: "t-1", Status: models.StatusUploadProcessing, At: t0.Add(2 * time.Second)},
		{TransferID: "t-1", Status: models.StatusPublished, At: t0.Add(3 * time.Second)},
		{TransferID: "t-1", Status: models.StatusAllConfirmedDownloaded, At: t0.Add(4 * time.Second)},
	}
	rand.New(rand.NewSource(1)).Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

	var wg sync.WaitGroup
	for i := range events {
		wg.Add(1)
		go func(e models.FileTransferStatusEvent) {
			defer wg.Done()
			_, err := l.Record(ctx, &e)
			assert.NoError(t, err)
		}(events[i])
	}
	wg.Wait()

	got, err := rm.Transfers(nil).Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAllConfirmedDownloaded, got.Status)

	h, err := l.History(ctx, "t-1")
	require.NoError(t, err)
	assert.Len(t, h, 4)
	assert.Equal(t, models.StatusAllConfirmedDownloaded, h[len(h)-1].Status)
}

func TestRecord_EqualTimestampUsesRank(t *testing.T) {
	t0 := time.Now().UTC()
	l, rm := newLedger(t, t0)
	ctx := context.Background()
	at := t0.Add(time.Second)

	adv, err := l.Record(ctx, &models.FileTransferStatusEvent{TransferID: "t-1", Status: models.StatusFailed, At: at})
	require.NoError(t, err)
	assert.True(t, adv)

	adv, err = l.Record(ctx, &models.FileTransferStatusEvent{TransferID: "t-1", Status: models.StatusPublished, At: at})
	require.NoError(t, err)
	assert.False(t, adv)

	got, _ := rm.Transfers(nil).Get(ctx, "t-1")
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestRecord_RejectsEventsAfterTerminal(t *testing.T) {
	t0 := time.Now().UTC()
	l, rm := newLedger(t, t0)
	ctx := context.Background()

	ok, err := rm.Transfers(nil).MarkTerminal(ctx, "t-1", models.StatusDeleted, t0.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = l.Record(ctx, &models.FileTransferStatusEvent{TransferID: "t-1", Status: models.StatusPublished, At: t0.Add(time.Minute)})
	assert.ErrorIs(t, err, common.ErrInvalidState)

	h, _ := l.History(ctx, "t-1")
	assert.Empty(t, h)
}

func TestRecordActor(t *testing.T) {
	t0 := time.Now().UTC()
	l, rm := newLedger(t, t0)
	ctx := context.Background()

	adv, err := l.RecordActor(ctx, &models.ActorStatusEvent{TransferID: "t-1", ActorID: "a", Status: models.ActorStatusDownloadConfirmed, At: t0})
	require.NoError(t, err)
	assert.True(t, adv)

	// a retried download started with the same timestamp does not regress
	adv, err = l.RecordActor(ctx, &models.ActorStatusEvent{TransferID: "t-1", ActorID: "a", Status: models.ActorStatusDownloadStarted, At: t0})
	require.NoError(t, err)
	assert.False(t, adv)

	ps, err := rm.StatusEvents(nil).ActorProjections(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, models.ActorStatusDownloadConfirmed, ps[0].Status)

	first, err := l.FirstActorEvent(ctx, "t-1", "a", models.ActorStatusDownloadStarted)
	require.NoError(t, err)
	assert.True(t, first.At.Equal(t0))
}

package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_StageCommitRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Stage(ctx, "o", "u1", Block{ID: "b2", Seq: 1, Data: []byte("lo")}))
	require.NoError(t, m.Stage(ctx, "o", "u1", Block{ID: "b1", Seq: 0, Data: []byte("hel")}))

	_, err := m.Read(ctx, "o")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, m.Commit(ctx, "o", CommitRequest{UploadID: "u1", Blocks: []string{"b1"}, Conditional: true}))
	// committed but not final: still unreadable
	_, err = m.Read(ctx, "o")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, m.Commit(ctx, "o", CommitRequest{
		UploadID: "u1", Blocks: []string{"b1", "b2"}, Final: true, ContentHash: []byte{9},
	}))

	rc, err := m.Read(ctx, "o")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, []byte{9}, m.ContentHash("o"))
	assert.Zero(t, m.StagedUploads())
}

func TestMemory_ConditionalCommitConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Stage(ctx, "o", "u1", Block{ID: "a"}))
	require.NoError(t, m.Stage(ctx, "o", "u2", Block{ID: "b"}))

	require.NoError(t, m.Commit(ctx, "o", CommitRequest{UploadID: "u1", Blocks: []string{"a"}, Conditional: true}))
	err := m.Commit(ctx, "o", CommitRequest{UploadID: "u2", Blocks: []string{"b"}, Conditional: true})
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestMemory_CommitUnknownBlock(t *testing.T) {
	m := NewMemory()
	err := m.Commit(context.Background(), "o", CommitRequest{UploadID: "u", Blocks: []string{"missing"}})
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.False(t, m.Exists("o"))
}

func TestMemory_DiscardAndDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Stage(ctx, "o", "u", Block{ID: "a"}))
	require.NoError(t, m.Commit(ctx, "o", CommitRequest{UploadID: "u", Blocks: []string{"a"}}))
	require.NoError(t, m.Discard(ctx, "o", "u"))
	assert.Zero(t, m.StagedUploads())

	require.NoError(t, m.Delete(ctx, "o"))
	require.NoError(t, m.Delete(ctx, "o"))
	assert.False(t, m.Exists("o"))
}

func TestMemory_StageCancelled(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Stage(ctx, "o", "u", Block{ID: "a"})
	assert.ErrorIs(t, err, common.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

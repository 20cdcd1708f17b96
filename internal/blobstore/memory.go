package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dmitrijs2005/transferbroker/internal/common"
)

type memObject struct {
	blocks []string
	data   []byte
	hash   []byte
	final  bool
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	staged  map[string]map[string][]byte // uploadID -> blockID -> data
	objects map[string]*memObject
}

func NewMemory() *Memory {
	return &Memory{
		staged:  make(map[string]map[string][]byte),
		objects: make(map[string]*memObject),
	}
}

func (m *Memory) Stage(ctx context.Context, objectID, uploadID string, blk Block) error {
	if err := ctx.Err(); err != nil {
		return common.Cancelled(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.staged[uploadID]
	if !ok {
		up = make(map[string][]byte)
		m.staged[uploadID] = up
	}
	up[blk.ID] = slices.Clone(blk.Data)
	return nil
}

func (m *Memory) Commit(ctx context.Context, objectID string, req CommitRequest) error {
	if err := ctx.Err(); err != nil {
		return common.Cancelled(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[objectID]
	if req.Conditional && exists {
		return fmt.Errorf("object %s: %w", objectID, common.ErrConflict)
	}

	up := m.staged[req.UploadID]
	for _, id := range req.Blocks {
		if _, ok := up[id]; !ok {
			return fmt.Errorf("block %s not staged: %w", id, common.ErrValidation)
		}
	}

	if !exists {
		obj = &memObject{}
		m.objects[objectID] = obj
	}
	obj.blocks = slices.Clone(req.Blocks)
	obj.final = req.Final
	obj.hash = slices.Clone(req.ContentHash)

	if req.Final {
		var buf bytes.Buffer
		for _, id := range req.Blocks {
			buf.Write(up[id])
		}
		obj.data = buf.Bytes()
		delete(m.staged, req.UploadID)
	}
	return nil
}

func (m *Memory) Discard(ctx context.Context, objectID, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staged, uploadID)
	return nil
}

func (m *Memory) Read(ctx context.Context, objectID string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectID]
	if !ok || !obj.final {
		return nil, fmt.Errorf("object %s: %w", objectID, common.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Delete(ctx context.Context, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectID)
	return nil
}

// Exists reports whether objectID has committed content.
func (m *Memory) Exists(objectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objectID]
	return ok
}

// ContentHash returns the digest stored by the final commit.
func (m *Memory) ContentHash(objectID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[objectID]; ok {
		return slices.Clone(obj.hash)
	}
	return nil
}

// StagedUploads returns the number of uploads with staged, uncommitted blocks.
func (m *Memory) StagedUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}

// Package blobstore defines the block-based object store the upload engine
// writes into, and an in-memory implementation of it.
package blobstore

import (
	"context"
	"io"
)

// Block is one staged slice of an object, in stream order.
type Block struct {
	ID   string
	Seq  int
	Data []byte
}

// CommitRequest publishes an ordered block list as the object's content.
type CommitRequest struct {
	UploadID string
	Blocks   []string
	// Conditional makes the commit fail with common.ErrConflict when the
	// object already has committed content.
	Conditional bool
	// Final marks the last commit of an upload; the object becomes readable.
	Final       bool
	ContentHash []byte
}

// Store is a block-based object store.
//
// Stage may be called concurrently for one upload. Blocks staged under an
// uploadID stay invisible until a Commit references them.
type Store interface {
	Stage(ctx context.Context, objectID, uploadID string, blk Block) error
	Commit(ctx context.Context, objectID string, req CommitRequest) error
	// Discard drops blocks staged by uploadID that were never finalized.
	Discard(ctx context.Context, objectID, uploadID string) error
	Read(ctx context.Context, objectID string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectID string) error
}

// Package upload streams a byte stream into a block-based blob store.
//
// The stream is cut into fixed-size blocks which are staged by a bounded
// worker pool while an MD5 digest is computed in stream order. Every
// CheckpointEvery blocks the ordered block list is committed; the first
// commit of an attempt is conditional, so of several concurrent attempts on
// one object at most one initializes it. On failure the attempt's staged
// blocks are discarded and, if this attempt committed, the object deleted.
package upload

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/transferbroker/internal/blobstore"
	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/metrics"
)

// Result describes a completed upload.
type Result struct {
	UploadID string
	Digest   []byte
	Size     int64
	Blocks   []string
}

type Engine struct {
	store    blobstore.Store
	log      logging.Logger
	defaults Options
}

func NewEngine(store blobstore.Store, defaults Options, log logging.Logger) *Engine {
	return &Engine{
		store:    store,
		log:      log.With("module", "upload"),
		defaults: defaults,
	}
}

// Defaults returns the engine-wide options with zero fields filled in.
func (e *Engine) Defaults() Options {
	return e.defaults.withDefaults()
}

// attempt is the state of one Upload call.
type attempt struct {
	e        *Engine
	objectID string
	uploadID string
	opts     Options

	digest    hash.Hash
	size      int64
	seq       int
	blocks    []string
	committed bool

	g    *errgroup.Group
	gctx context.Context
	root context.Context
}

// Upload streams r into objectID. sizeHint, when positive, sizes the first
// block buffer. Zero fields of opts fall back to the engine defaults.
func (e *Engine) Upload(ctx context.Context, objectID string, sizeHint int64, r io.Reader, opts Options) (*Result, error) {
	opts = merge(opts, e.defaults).withDefaults()
	started := time.Now()

	uctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &attempt{
		e:        e,
		objectID: objectID,
		uploadID: uuid.NewString(),
		opts:     opts,
		digest:   md5.New(),
		root:     uctx,
	}
	a.resetWindow()

	log := e.log.With("object_id", objectID, "upload_id", a.uploadID)
	log.Debug(ctx, "upload started", "size_hint", sizeHint)

	err := a.run(r, sizeHint)
	metrics.UploadDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		cancel()
		_ = a.g.Wait()
		if cerr := a.cleanup(ctx); cerr != nil {
			log.Error(ctx, "upload cleanup failed", "error", cerr)
		}
		if ctx.Err() != nil && !errors.Is(err, common.ErrCancelled) {
			err = fmt.Errorf("%w: %w", common.Cancelled(ctx.Err()), err)
		}
		metrics.Uploads.WithLabelValues(outcome(err)).Inc()
		log.Warn(ctx, "upload failed", "error", err, "committed", a.committed)
		return nil, err
	}

	metrics.Uploads.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.UploadedBytes.Add(float64(a.size))
	log.Info(ctx, "upload committed", "blocks", len(a.blocks), "size", a.size)

	return &Result{
		UploadID: a.uploadID,
		Digest:   a.digest.Sum(nil),
		Size:     a.size,
		Blocks:   a.blocks,
	}, nil
}

func (a *attempt) resetWindow() {
	a.g, a.gctx = errgroup.WithContext(a.root)
	a.g.SetLimit(a.opts.Concurrency)
}

func (a *attempt) run(r io.Reader, sizeHint int64) error {
	bufCap := a.opts.BlockSize
	if sizeHint > 0 && sizeHint < int64(bufCap) {
		bufCap = int(sizeHint)
	}
	buf := make([]byte, 0, bufCap)
	chunk := make([]byte, a.opts.ReadChunkSize)
	pending := 0

	for {
		if err := a.gctx.Err(); err != nil {
			// a stage failed or the caller gave up; the group error says which
			if werr := a.g.Wait(); werr != nil {
				return werr
			}
			return common.Cancelled(err)
		}

		n, rerr := r.Read(chunk)
		data := chunk[:n]
		for len(data) > 0 {
			take := min(a.opts.BlockSize-len(buf), len(data))
			buf = append(buf, data[:take]...)
			data = data[take:]
			if len(buf) < a.opts.BlockSize {
				continue
			}

			a.cut(buf)
			buf = make([]byte, 0, a.opts.BlockSize)
			pending++
			if pending == a.opts.CheckpointEvery {
				if err := a.checkpoint(false); err != nil {
					return err
				}
				pending = 0
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if a.root.Err() != nil {
				return common.Cancelled(a.root.Err())
			}
			return fmt.Errorf("read stream: %w", rerr)
		}
	}

	if len(buf) > 0 || a.seq == 0 {
		a.cut(buf)
	}
	return a.checkpoint(true)
}

// cut hands data to the pool as the next block. The caller must not reuse data.
func (a *attempt) cut(data []byte) {
	blk := blobstore.Block{ID: uuid.NewString(), Seq: a.seq, Data: data}
	a.seq++
	a.digest.Write(data)
	a.size += int64(len(data))
	a.blocks = append(a.blocks, blk.ID)

	ctx := a.gctx
	a.g.Go(func() error {
		return a.stage(ctx, blk)
	})
}

func (a *attempt) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(a.opts.StageAttempts-1), retry.NewExponential(a.opts.StageBackoff))
}

func (a *attempt) stage(ctx context.Context, blk blobstore.Block) error {
	tries := 0
	err := retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		tries++
		if tries > 1 {
			metrics.StageRetries.Inc()
		}

		sctx := ctx
		if a.opts.StageTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, a.opts.StageTimeout)
			defer cancel()
		}

		err := a.e.store.Stage(sctx, a.objectID, a.uploadID, blk)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return common.Cancelled(ctx.Err())
		case common.Retryable(err):
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, common.ErrCancelled) {
			err = common.Cancelled(ctx.Err())
		}
		return fmt.Errorf("stage block %d: %w", blk.Seq, err)
	}
	metrics.BlocksStaged.Inc()
	return nil
}

// checkpoint waits for the current window and commits every block so far.
func (a *attempt) checkpoint(final bool) error {
	if err := a.g.Wait(); err != nil {
		return err
	}
	if err := a.root.Err(); err != nil {
		return common.Cancelled(err)
	}

	req := blobstore.CommitRequest{
		UploadID:    a.uploadID,
		Blocks:      append([]string(nil), a.blocks...),
		Conditional: !a.committed,
		Final:       final,
	}
	if final {
		req.ContentHash = a.digest.Sum(nil)
	}

	commit := func(ctx context.Context) error {
		return a.e.store.Commit(ctx, a.objectID, req)
	}

	var err error
	if req.Conditional {
		// the initializing commit is never retried: a retry could observe our
		// own first write and report a conflict
		err = commit(a.root)
	} else {
		err = retry.Do(a.root, a.backoff(), func(ctx context.Context) error {
			if err := commit(ctx); err != nil {
				if ctx.Err() == nil && common.Retryable(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			return nil
		})
	}
	if err != nil {
		return fmt.Errorf("commit %d blocks: %w", len(req.Blocks), err)
	}

	a.committed = true
	if !final {
		a.resetWindow()
	}
	return nil
}

// cleanup runs on a detached context so that a cancelled caller still gets
// its partial state removed.
func (a *attempt) cleanup(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.CleanupTimeout)
	defer cancel()

	err := a.e.store.Discard(cctx, a.objectID, a.uploadID)
	if a.committed {
		err = multierr.Append(err, a.e.store.Delete(cctx, a.objectID))
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, common.ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, common.ErrCancelled):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeFailed
	}
}

func merge(o, d Options) Options {
	if o.BlockSize == 0 {
		o.BlockSize = d.BlockSize
	}
	if o.ReadChunkSize == 0 {
		o.ReadChunkSize = d.ReadChunkSize
	}
	if o.Concurrency == 0 {
		o.Concurrency = d.Concurrency
	}
	if o.CheckpointEvery == 0 {
		o.CheckpointEvery = d.CheckpointEvery
	}
	if o.StageAttempts == 0 {
		o.StageAttempts = d.StageAttempts
	}
	if o.StageBackoff == 0 {
		o.StageBackoff = d.StageBackoff
	}
	if o.StageTimeout == 0 {
		o.StageTimeout = d.StageTimeout
	}
	if o.CleanupTimeout == 0 {
		o.CleanupTimeout = d.CleanupTimeout
	}
	return o
}

// Package idempotency deduplicates retried side-effecting operations.
//
// A key is claimed by an atomic insert into the idempotency repository. The
// first caller runs the operation and its outcome is cached in-process; later
// callers get the cached outcome, or common.ErrAlreadyProcessed when this
// process does not have it. Claimed keys are never released, even when the
// operation fails.
package idempotency

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"

	"github.com/dmitrijs2005/transferbroker/internal/common"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/metrics"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/repomanager"
)

type outcome struct {
	value any
	err   error
}

type Guard struct {
	rm    repomanager.RepositoryManager
	cache *expirable.LRU[string, outcome]
	log   logging.Logger
	now   func() time.Time
}

// NewGuard caches up to size outcomes for ttl.
func NewGuard(rm repomanager.RepositoryManager, size int, ttl time.Duration, log logging.Logger) *Guard {
	return &Guard{
		rm:    rm,
		cache: expirable.NewLRU[string, outcome](size, nil, ttl),
		log:   log.With("module", "idempotency"),
		now:   time.Now,
	}
}

// Key derives a stable operation key from the operation type and its parts.
func Key(op string, parts ...string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(op))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return op + ":" + hex.EncodeToString(h.Sum(nil))
}

// RunOnce runs op at most once per key.
func RunOnce[T any](ctx context.Context, g *Guard, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	inserted, err := g.rm.Idempotency(g.rm.Conn()).Insert(ctx, key, g.now().UTC())
	if err != nil {
		return zero, fmt.Errorf("claim key: %w", err)
	}

	if !inserted {
		metrics.IdempotentDuplicates.Inc()
		prev, ok := g.cache.Get(key)
		if !ok {
			g.log.Debug(ctx, "duplicate operation without cached outcome", "key", key)
			return zero, common.ErrAlreadyProcessed
		}
		if prev.err != nil {
			return zero, prev.err
		}
		v, _ := prev.value.(T)
		return v, nil
	}

	v, err := op(ctx)
	g.cache.Add(key, outcome{value: v, err: err})
	return v, err
}

// Forget drops key from the in-process cache. The stored claim remains.
func (g *Guard) Forget(key string) {
	g.cache.Remove(key)
}

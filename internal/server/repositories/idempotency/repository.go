package idempotency

import (
	"context"
	"time"
)

type Repository interface {
	// Insert records key and reports whether it was new. An existing key is
	// not an error.
	Insert(ctx context.Context, key string, at time.Time) (bool, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Package metrics declares the broker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksStaged counts blocks successfully staged into the blob store.
	BlocksStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_upload_blocks_staged_total",
		Help: "Blocks staged into the blob store",
	})

	// StageRetries counts repeated stage attempts after a transient error.
	StageRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_upload_stage_retries_total",
		Help: "Stage attempts retried after a transient storage error",
	})

	// Uploads counts finished uploads by outcome.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_uploads_total",
		Help: "Finished uploads by outcome",
	}, []string{"outcome"})

	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_uploaded_bytes_total",
		Help: "Bytes committed by successful uploads",
	})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tb_upload_duration_seconds",
		Help:    "Wall time of upload attempts",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// Purges counts purge executions by trigger and outcome.
	Purges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_purges_total",
		Help: "Purge executions by trigger and outcome",
	}, []string{"trigger", "outcome"})

	IdempotentDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_idempotent_duplicates_total",
		Help: "Operations short-circuited by an existing idempotency key",
	})

	// ProjectionWrites counts current-status projection writes by entity and
	// whether they advanced the projection or were stale.
	ProjectionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_projection_writes_total",
		Help: "Current-status projection writes",
	}, []string{"entity", "result"})
)

// Upload outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

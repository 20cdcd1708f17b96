package purge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/repomanager"
)

const defaultSweepBatch = 500

// SweepResult summarizes one sweeper pass.
type SweepResult struct {
	Expired         int
	GracePurged     int
	IdempotencyGCed int64
	Errors          int
	Duration        time.Duration
}

// Sweeper periodically re-drives both triggers from the repository so that
// timers lost on restart are reconciled, and garbage-collects idempotency
// keys older than the retention window.
type Sweeper struct {
	purger    *Purger
	rm        repomanager.RepositoryManager
	interval  time.Duration
	retention time.Duration
	batch     int
	log       logging.Logger

	mu sync.Mutex
}

func NewSweeper(purger *Purger, rm repomanager.RepositoryManager, interval, retention time.Duration, log logging.Logger) *Sweeper {
	return &Sweeper{
		purger:    purger,
		rm:        rm,
		interval:  interval,
		retention: retention,
		batch:     defaultSweepBatch,
		log:       log.With("module", "sweeper"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info(ctx, "sweeper started", "interval", s.interval)
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(context.WithoutCancel(ctx), "sweeper stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error(ctx, "sweep finished with errors", "errors", res.Errors, "error", err)
		return
	}
	s.log.Debug(ctx, "sweep finished",
		"expired", res.Expired, "grace_purged", res.GracePurged,
		"idempotency_gc", res.IdempotencyGCed, "duration", res.Duration)
}

// Sweep performs one pass. Concurrent calls are serialized.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.purger.now().UTC()
	res := &SweepResult{}
	var errs error

	transfers := s.rm.Transfers(s.rm.Conn())

	expired, err := transfers.ListExpired(ctx, now, s.batch)
	errs = multierr.Append(errs, err)
	for _, id := range expired {
		out, err := s.purger.Execute(ctx, id, TriggerExpiry)
		if err != nil {
			res.Errors++
			errs = multierr.Append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if out == OutcomePurged {
			res.Expired++
		}
	}

	eligible, err := transfers.ListGraceEligible(ctx, now, s.batch)
	errs = multierr.Append(errs, err)
	for _, id := range eligible {
		out, err := s.purger.Execute(ctx, id, TriggerGrace)
		if err != nil {
			res.Errors++
			errs = multierr.Append(errs, fmt.Errorf("grace purge %s: %w", id, err))
			continue
		}
		if out == OutcomePurged {
			res.GracePurged++
		}
	}

	if s.retention > 0 {
		n, err := s.rm.Idempotency(s.rm.Conn()).DeleteOlderThan(ctx, now.Add(-s.retention))
		errs = multierr.Append(errs, err)
		res.IdempotencyGCed = n
	}

	res.Duration = time.Since(start)
	return res, errs
}

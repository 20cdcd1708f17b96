// Package scheduler runs one-shot background tasks at a wall-clock time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/transferbroker/internal/logging"
)

var ErrClosed = errors.New("scheduler closed")

// Task is run once when its time comes. ctx is cancelled on Close.
type Task func(ctx context.Context)

// Scheduler schedules tasks and hands out opaque string handles that can be
// persisted and later cancelled.
type Scheduler interface {
	ScheduleAt(at time.Time, task Task) (string, error)
	// Cancel stops a pending task. Unknown or already fired handles are ignored.
	Cancel(handle string)
	// Valid reports whether handle refers to a task that has not fired or
	// been cancelled.
	Valid(handle string) bool
}

// TimerScheduler is an in-process Scheduler built on time.AfterFunc.
// Pending tasks are lost on restart; callers reconcile them separately.
type TimerScheduler struct {
	log logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running sync.WaitGroup
	closed  bool
}

var _ Scheduler = (*TimerScheduler)(nil)

func NewTimerScheduler(log logging.Logger) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		log:    log.With("module", "scheduler"),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

func (s *TimerScheduler) ScheduleAt(at time.Time, task Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	handle := uuid.NewString()
	s.timers[handle] = time.AfterFunc(max(time.Until(at), 0), func() {
		s.fire(handle, task)
	})
	return handle, nil
}

func (s *TimerScheduler) fire(handle string, task Task) {
	s.mu.Lock()
	if _, ok := s.timers[handle]; !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, handle)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if p := recover(); p != nil {
			s.log.Error(s.ctx, "scheduled task panicked", "handle", handle, "panic", p)
		}
	}()
	task(s.ctx)
}

func (s *TimerScheduler) Cancel(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[handle]; ok {
		t.Stop()
		delete(s.timers, handle)
	}
}

func (s *TimerScheduler) Valid(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[handle]
	return ok
}

// Pending returns the number of scheduled tasks that have not fired.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all pending timers, cancels running tasks and waits for them
// to return or for ctx to expire.
func (s *TimerScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

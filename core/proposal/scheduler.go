package proposal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/qgdispatch/core/monitoring"
)

type entry struct {
	timer *time.Timer
}

// Scheduler runs one deferred callback per proposal. Pending callbacks can be
// cancelled individually or all at once on shutdown.
type Scheduler struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{entries: map[uuid.UUID]*entry{}, ctx: ctx, cancel: cancel}
}

// Schedule runs fn after delay unless cancelled first. A callback already
// scheduled for id is replaced. It reports false once the scheduler is shut
// down.
func (s *Scheduler) Schedule(id uuid.UUID, delay time.Duration, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if old, ok := s.entries[id]; ok {
		s.stopLocked(id, old)
	}
	e := &entry{}
	s.wg.Add(1)
	e.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		defer monitoring.Recover("proposal.scheduler")
		s.mu.Lock()
		if cur, ok := s.entries[id]; ok && cur == e {
			delete(s.entries, id)
		}
		s.mu.Unlock()
		fn(s.ctx)
	})
	s.entries[id] = e
	return true
}

func (s *Scheduler) stopLocked(id uuid.UUID, e *entry) {
	delete(s.entries, id)
	if e.timer.Stop() {
		s.wg.Done()
	}
}

// Cancel stops the callback scheduled for id. It reports whether a pending
// callback was removed.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.stopLocked(id, e)
	return true
}

// Pending returns the number of callbacks waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Shutdown cancels every pending callback and waits for running ones. When
// ctx ends first, running callbacks see their context cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.entries {
		s.stopLocked(id, e)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

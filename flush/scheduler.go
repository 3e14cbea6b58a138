// Package flush schedules and executes memtable flushes. Column families
// whose memtables outgrow their budget are queued on the Scheduler (the
// write path's flush hook target) and drained by the background Flusher,
// which streams each frozen memtable into an immutable segment blob.
package flush

import (
	"sync"

	"github.com/hupe1980/lsmgo/core"
)

// Scheduler is a FIFO of column families due for flushing. Scheduling is
// idempotent: a column family already queued is not queued twice.
type Scheduler struct {
	mu     sync.Mutex
	queue  []core.CFID
	queued map[core.CFID]struct{}
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{queued: make(map[core.CFID]struct{})}
}

// Schedule enqueues cf. Returns false if it was already queued.
func (s *Scheduler) Schedule(cf core.CFID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[cf]; ok {
		return false
	}
	s.queued[cf] = struct{}{}
	s.queue = append(s.queue, cf)
	return true
}

// Next dequeues the oldest scheduled column family.
func (s *Scheduler) Next() (core.CFID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return 0, false
	}
	cf := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, cf)
	return cf, true
}

// Len returns the number of queued column families.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

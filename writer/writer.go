// Package writer coordinates concurrent write requests into batch groups.
//
// Every write enters the coordinator as a Writer ticket. Tickets queue up
// FIFO; the front ticket is the leader and decides how the pending work is
// executed:
//   - serially: the leader folds eligible followers into one batch group,
//     executes the combined work itself, and completes the followers on exit
//   - in parallel: the leader promotes the whole group into a cohort whose
//     members each execute their own batch concurrently, with the leader
//     performing cleanup once every member has reported completion
//
// The coordinator owns no lock of its own. Every operation runs under a
// caller-supplied mutex (the engine's write mutex); waits release and
// reacquire it. Tickets are caller-owned and typically live on the calling
// goroutine's stack; the queue and cohort hold non-owning references that
// are dropped before the owner regains control.
package writer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/lsmgo/core"
)

// Batch group growth limits. A small leading write caps how much follower
// work may ride along so the small write is not slowed down too much.
const (
	maxBatchGroupSize   = 1 << 20
	smallBatchSizeLimit = 128 << 10
)

// Payload is the opaque batch carried by a ticket. The coordinator only
// needs its encoded size and its record count; everything else is the
// engine's business.
type Payload interface {
	// ByteSize returns the encoded size of the batch in bytes.
	ByteSize() int
	// Count returns the number of records in the batch.
	Count() int
}

// FlushHook is consulted by the parallel-phase leader after a cohort
// completes, once per column family the cohort touched.
type FlushHook interface {
	// ShouldScheduleFlush reports whether the column family's memtable is
	// due for flushing and not already scheduled.
	ShouldScheduleFlush(cf core.CFID) bool
	// ScheduleFlush enqueues the column family for a background flush.
	ScheduleFlush(cf core.CFID)
	// MarkFlushScheduled latches the memtable so it is not scheduled twice.
	MarkFlushScheduled(cf core.CFID)
}

// Writer is one write request's ticket through the coordinator. Configure
// the exported fields before calling JoinGroup; after that the ticket
// belongs to the coordinator until the protocol completes.
//
// A nil Batch marks a request that must execute alone and is never folded
// into another leader's group.
type Writer struct {
	// Batch is the request payload. May be nil for solo requests.
	Batch Payload
	// Sync demands a durable sync before the request completes.
	Sync bool
	// DisableWAL bypasses the write-ahead log for this request.
	DisableWAL bool
	// Callback is an optional pre-write predicate. A request carrying one
	// is never folded into a group, and never folds followers.
	Callback func() error
	// TimeoutHint is the request's soft timeout. Zero means none.
	TimeoutHint time.Duration
	// CFs accumulates the column families the request's batch touches.
	CFs core.CFSet

	done         bool
	status       error
	inBatchGroup bool
	parallelID   uint64

	// sem is the ticket's wakeup slot, bound to the coordinator's outer
	// mutex discipline: signals are sent with the mutex held, waits release
	// it. The one-slot buffer makes a signal to a ticket that already
	// stopped waiting a no-op, which the parallel exit path relies on.
	sem chan struct{}

	// selfMu and selfCond serve only the parallel completion handoff: a
	// cohort member parks here after executing until the leader marks it
	// done. Decoupling this wait from the outer mutex keeps the member from
	// destroying its ticket while the leader still reads its CF set.
	selfMu   sync.Mutex
	selfCond *sync.Cond
}

// NewWriter creates a ticket for the given payload.
func NewWriter(payload Payload) *Writer {
	w := &Writer{
		Batch: payload,
		CFs:   make(core.CFSet),
		sem:   make(chan struct{}, 1),
	}
	w.selfCond = sync.NewCond(&w.selfMu)
	return w
}

// Done reports whether the ticket's work has completed (or failed). Only
// meaningful to the owner after the coordinator protocol finished.
func (w *Writer) Done() bool { return w.done }

// Status returns the terminal status recorded on the ticket.
func (w *Writer) Status() error { return w.status }

// SetStatus records the ticket's own execution result. Cohort members call
// this after running their batch; leaders after running the group.
func (w *Writer) SetStatus(err error) { w.status = err }

// InBatchGroup reports whether the ticket was folded into another leader's
// batch group.
func (w *Writer) InBatchGroup() bool { return w.inBatchGroup }

// ParallelID returns the ticket's virtual id within the current parallel
// phase, or zero if the ticket was not promoted. Ids partition the phase's
// sequence space: a ticket's batch owns [ParallelID, ParallelID+Count).
func (w *Writer) ParallelID() uint64 { return w.parallelID }

// signal deposits a wakeup. Non-blocking; a second signal before the
// ticket wakes collapses into one, and a signal to a ticket that already
// returned is dropped when the ticket dies.
func (w *Writer) signal() {
	select {
	case w.sem <- struct{}{}:
	default:
	}
}

// await parks the ticket until signaled, releasing mu while parked.
func (w *Writer) await(mu *sync.Mutex) {
	mu.Unlock()
	<-w.sem
	mu.Lock()
}

// awaitDeadline parks the ticket until signaled or the deadline passes.
// Returns true if the deadline won. mu is released while parked.
func (w *Writer) awaitDeadline(mu *sync.Mutex, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return true
	}
	mu.Unlock()
	timer := time.NewTimer(d)
	defer timer.Stop()

	timedOut := false
	select {
	case <-w.sem:
	case <-timer.C:
		timedOut = true
	}
	mu.Lock()
	return timedOut
}

// Coordinator serializes and batches writers. All methods except
// FinishParallel and ExitParallelWriter require the caller to hold the
// outer mutex; ExitParallelWriter is called without it and takes it only to
// wake the leader. JoinGroup and WaitParallelFinished may release and
// reacquire the mutex while waiting.
type Coordinator struct {
	// writers is the admission queue, front = current leader.
	writers []*Writer

	// cohort holds the writers of the running parallel phase,
	// front = cohort leader, back = the phase's last writer.
	cohort []*Writer

	// unfinished counts cohort members that have not yet reported
	// completion. Read without the mutex by FinishParallel; set and reset
	// only by the leader under the mutex.
	unfinished atomic.Int32
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// JoinGroup admits w into the write queue and blocks until one of:
//
//  1. another leader completed w's work inside its batch group; w.Status
//     holds the outcome and the caller must not touch the queue
//  2. w was promoted into a parallel cohort; the caller executes its own
//     batch and then follows the parallel completion protocol
//  3. w reached the front of the queue; the caller is the new leader
//  4. the deadline passed; w has been detached and ErrTimedOut is returned
//
// deadline is an absolute wall-clock bound; the zero time means no
// deadline. A ticket whose work is already being performed on its behalf
// (folded into a running group) ignores the deadline: it cannot abandon
// work another goroutine is executing, so it promotes itself to an
// unbounded wait.
func (c *Coordinator) JoinGroup(mu *sync.Mutex, w *Writer, deadline time.Time) error {
	c.writers = append(c.writers, w)

	timedOut := false
	for !w.done && w.parallelID == 0 && c.writers[0] != w {
		if deadline.IsZero() {
			w.await(mu)
		} else if w.awaitDeadline(mu, deadline) {
			if w.inBatchGroup {
				// The front writer is executing on our behalf; ride it out.
				deadline = time.Time{}
			} else {
				timedOut = true
				break
			}
		}
	}

	if !w.done && w.parallelID > 0 {
		return nil
	}

	if timedOut {
		found := false
		for i, qw := range c.writers {
			if qw == w {
				c.writers = append(c.writers[:i], c.writers[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			panic("writer: timed-out ticket not in queue")
		}
		// The new front may be parked without a deadline of its own. Wake it,
		// or nobody will.
		if len(c.writers) > 0 {
			c.writers[0].signal()
		}
		return ErrTimedOut
	}
	return nil
}

// BuildBatchGroup folds followers behind the leader into one batch group.
// The walk stops at the first follower that cannot ride along: one that
// demands sync behind a non-sync leader, needs the WAL behind a leader
// that disabled it, carries a stricter timeout hint, carries a callback,
// has no batch, or would grow the group past its size cap. A leader
// carrying a callback forms a group of one.
//
// Folded followers are marked so that admission treats their deadline as
// unbounded. Returns the group payloads in queue order, the last folded
// writer, and the accumulated byte size.
//
// The caller must be the queue front and must carry a non-nil batch.
func (c *Coordinator) BuildBatchGroup() (group []Payload, lastWriter *Writer, size int) {
	if len(c.writers) == 0 {
		panic("writer: BuildBatchGroup with empty queue")
	}
	leader := c.writers[0]
	if leader.Batch == nil {
		panic("writer: BuildBatchGroup leader has no batch")
	}

	size = leader.Batch.ByteSize()
	group = append(group, leader.Batch)
	lastWriter = leader

	// Let the group grow up to a hard cap, but keep a small leading write
	// from dragging a large tail behind it.
	maxSize := maxBatchGroupSize
	if size <= smallBatchSizeLimit {
		maxSize = size + smallBatchSizeLimit
	}

	if leader.Callback != nil {
		// The callback may refuse the write; nothing else can ride on it.
		return group, lastWriter, size
	}

	for _, w := range c.writers[1:] {
		if w.Sync && !leader.Sync {
			// A sync write cannot be handled by a non-sync leader.
			break
		}
		if !w.DisableWAL && leader.DisableWAL {
			// A write that needs the WAL cannot join a group without one.
			break
		}
		if hintStricter(w.TimeoutHint, leader.TimeoutHint) {
			// A stricter deadline must not execute past its abort point.
			break
		}
		if w.Callback != nil {
			break
		}
		if w.Batch == nil {
			// Solo request; wants to be alone.
			break
		}
		size += w.Batch.ByteSize()
		if size > maxSize {
			break
		}
		group = append(group, w.Batch)
		w.inBatchGroup = true
		lastWriter = w
	}
	return group, lastWriter, size
}

// hintStricter reports whether hint a is stricter than hint b, treating
// zero as unbounded.
func hintStricter(a, b time.Duration) bool {
	if a == 0 {
		return false
	}
	if b == 0 {
		return true
	}
	return a < b
}

// ExitGroup completes a serially executed batch group. Every ticket from
// the queue front through lastWriter is popped; followers receive status,
// are marked done, and are woken. The new queue front, if any, is signaled
// so it can take over as leader.
func (c *Coordinator) ExitGroup(w, lastWriter *Writer, status error) {
	for len(c.writers) > 0 {
		ready := c.writers[0]
		c.writers = c.writers[1:]
		if ready != w {
			ready.status = status
			ready.done = true
			ready.signal()
		}
		if ready == lastWriter {
			break
		}
	}
	if len(c.writers) > 0 {
		c.writers[0].signal()
	}
}

// StartParallel promotes the batch group [queue front .. lastWriter] into
// a parallel cohort of numWriters members. Each member receives a virtual
// id: the leader's batch owns ids [1, 1+count), the next member's batch
// the following interval, and so on, so every record in the phase has a
// unique id. Members other than the caller are woken so their JoinGroup
// returns promoted.
//
// All cohort members except lastWriter are popped. lastWriter stays at the
// queue front for the duration of the phase, which keeps later arrivals
// from electing a new leader until the leader's cleanup pops it.
func (c *Coordinator) StartParallel(w *Writer, numWriters int, lastWriter *Writer) {
	if c.unfinished.Load() != 0 {
		panic("writer: StartParallel while a parallel phase is running")
	}
	c.unfinished.Store(int32(numWriters)) //nolint:gosec

	id := uint64(1)
	for len(c.writers) > 0 {
		pw := c.writers[0]
		c.cohort = append(c.cohort, pw)
		pw.parallelID = id
		id += uint64(pw.Batch.Count()) //nolint:gosec
		if pw != w {
			pw.signal()
		}
		if pw != lastWriter {
			c.writers = c.writers[1:]
		} else {
			// Leave the last writer in place so the next queued ticket does
			// not become leader mid-phase.
			break
		}
	}
	if len(c.cohort) != numWriters {
		panic("writer: parallel cohort size mismatch")
	}
}

// FinishParallel reports that one cohort member finished executing its
// batch. Returns true for exactly the member that completed the phase (the
// last finisher), which must then wake the leader via ExitParallelWriter.
//
// Called without the outer mutex.
func (c *Coordinator) FinishParallel() bool {
	return c.unfinished.Add(-1) == 0
}

// ExitParallelWriter is the non-leader cohort member's exit: optionally
// wake the cohort leader, then park until the leader marks this ticket
// done. The caller must not hold mu.
//
// The leader wakeup may reach a ticket whose owner already returned. That
// is fine: the leader only exits after the unfinished count hits zero, so
// a stale signal lands in the ticket's buffered slot and is dropped.
func (c *Coordinator) ExitParallelWriter(w *Writer, wakeLeader bool, mu *sync.Mutex) {
	if wakeLeader {
		mu.Lock()
		if len(c.cohort) > 0 {
			c.cohort[0].signal()
		}
		mu.Unlock()
	}

	w.selfMu.Lock()
	for !w.done {
		w.selfCond.Wait()
	}
	w.selfMu.Unlock()
}

// WaitParallelFinished parks the cohort leader until every member has
// reported completion. The caller must hold mu and must be the cohort
// leader.
func (c *Coordinator) WaitParallelFinished(mu *sync.Mutex, leader *Writer) {
	for c.unfinished.Load() != 0 {
		leader.await(mu)
	}
}

// ExitParallelLeader is the cohort leader's cleanup after
// WaitParallelFinished returned:
//
//  1. merge every member's CF set into the leader's
//  2. mark each member done under its private mutex and release it from
//     ExitParallelWriter
//  3. consult the flush hook once per touched column family
//  4. clear the cohort, pop lastWriter, and signal the new queue front
//
// No member ticket may be destroyed before step 2 reaches it; the private
// mutex pair guarantees the member observes done before returning.
func (c *Coordinator) ExitParallelLeader(leader, lastWriter *Writer, hook FlushHook) {
	if c.unfinished.Load() != 0 {
		panic("writer: ExitParallelLeader with unfinished cohort members")
	}

	for _, pw := range c.cohort {
		if pw == leader {
			continue
		}
		leader.CFs.Merge(pw.CFs)

		pw.selfMu.Lock()
		pw.done = true
		pw.selfCond.Signal()
		pw.selfMu.Unlock()
	}

	if len(c.writers) == 0 || c.writers[0] != lastWriter {
		panic("writer: parallel last writer not at queue front")
	}
	if c.cohort[len(c.cohort)-1] != lastWriter {
		panic("writer: parallel last writer not at cohort back")
	}

	if hook != nil {
		for cf := range leader.CFs {
			if hook.ShouldScheduleFlush(cf) {
				hook.ScheduleFlush(cf)
				hook.MarkFlushScheduled(cf)
			}
		}
	}

	c.cohort = nil
	c.writers = c.writers[1:]
	if len(c.writers) > 0 {
		c.writers[0].signal()
	}
}

// QueueLen returns the number of queued tickets. Requires the outer mutex.
func (c *Coordinator) QueueLen() int { return len(c.writers) }

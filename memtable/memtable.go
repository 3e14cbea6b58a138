// Package memtable provides the mutable in-memory table that absorbs
// writes before they are flushed into immutable segments.
//
// Entries are versioned by sequence number: a key may hold many versions
// at once, ordered newest first, and reads resolve the newest version at
// or below their read sequence. Deletes are recorded as tombstones so a
// flushed segment can shadow older data.
package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/lsmgo/core"
	"github.com/tidwall/btree"
)

// entryOverhead approximates the per-entry bookkeeping cost counted
// towards the memtable size.
const entryOverhead = 32

// Entry is one versioned record in the memtable.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   core.SeqNum
	Kind  core.ValueKind
}

// less orders entries by key ascending, then sequence descending, so the
// newest version of a key is encountered first.
func less(a, b Entry) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Seq > b.Seq
}

// MemTable is a thread-safe versioned key/value buffer. An internal
// RWMutex serializes all tree access, so concurrent Adds and reads are
// safe; the parallel write path relies on this when cohort members apply
// their batches to the same active memtable at disjoint sequence numbers.
type MemTable struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Entry]

	size           atomic.Int64
	maxSize        int64
	flushScheduled atomic.Bool
}

// New creates a memtable that considers itself due for flushing once its
// approximate size reaches maxSize bytes. maxSize <= 0 disables
// size-triggered flushing.
func New(maxSize int64) *MemTable {
	return &MemTable{
		// Tree locking is handled by m.mu.
		tree:    btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
		maxSize: maxSize,
	}
}

// Add inserts a versioned record. Key and value are copied.
func (m *MemTable) Add(seq core.SeqNum, kind core.ValueKind, key, value []byte) {
	e := Entry{
		Key:  append([]byte(nil), key...),
		Seq:  seq,
		Kind: kind,
	}
	if kind == core.KindSet {
		e.Value = append([]byte(nil), value...)
	}

	m.mu.Lock()
	m.tree.Set(e)
	m.mu.Unlock()

	m.size.Add(int64(len(key) + len(value) + entryOverhead))
}

// Get returns the newest version of key visible at maxSeq. The boolean
// reports whether any version was found; a found tombstone is returned
// with kind KindDelete and a nil value.
func (m *MemTable) Get(key []byte, maxSeq core.SeqNum) (value []byte, kind core.ValueKind, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pivot := Entry{Key: key, Seq: maxSeq}
	m.tree.Ascend(pivot, func(e Entry) bool {
		if !bytes.Equal(e.Key, key) {
			return false
		}
		value = e.Value
		kind = e.Kind
		ok = true
		return false
	})
	return value, kind, ok
}

// Ascend walks every entry in (key, newest-first) order. Used by the
// flusher to stream the table into a segment. Writers are blocked for
// the duration of the walk.
func (m *MemTable) Ascend(fn func(e Entry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Scan(fn)
}

// Len returns the number of entries.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// ApproximateSize returns the accumulated size of the table in bytes.
func (m *MemTable) ApproximateSize() int64 {
	return m.size.Load()
}

// ShouldScheduleFlush reports whether the table has outgrown its budget
// and has not yet been scheduled for flushing.
func (m *MemTable) ShouldScheduleFlush() bool {
	if m.maxSize <= 0 {
		return false
	}
	return m.size.Load() >= m.maxSize && !m.flushScheduled.Load()
}

// MarkFlushScheduled latches the table as scheduled so it is not queued
// twice. Returns false if it was already marked.
func (m *MemTable) MarkFlushScheduled() bool {
	return m.flushScheduled.CompareAndSwap(false, true)
}

// FlushScheduled reports whether the table has been latched for flushing.
func (m *MemTable) FlushScheduled() bool {
	return m.flushScheduled.Load()
}

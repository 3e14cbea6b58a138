// Package engine implements the write path of the storage engine: every
// mutation enters as an encoded batch, is serialized and grouped by the
// write coordinator, logged to the WAL, applied to the memtables, and
// eventually flushed into immutable segment blobs.
//
// Concurrency model: a single write mutex guards the coordinator queue,
// sequence assignment, WAL ordering, and memtable switches. Writers spend
// as little time under it as the protocol allows: folded followers never
// execute anything, and in parallel mode the cohort applies batches to
// the memtables with the mutex released.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/lsmgo/batch"
	"github.com/hupe1980/lsmgo/blobstore"
	"github.com/hupe1980/lsmgo/core"
	"github.com/hupe1980/lsmgo/flush"
	"github.com/hupe1980/lsmgo/memtable"
	"github.com/hupe1980/lsmgo/resource"
	"github.com/hupe1980/lsmgo/wal"
	"github.com/hupe1980/lsmgo/writer"
)

// DefaultColumnFamilyName is the name of the always-present column family.
const DefaultColumnFamilyName = "default"

// ColumnFamily is one sub-namespace of the engine: an active memtable
// absorbing writes, frozen memtables awaiting flush, and the flushed
// segment blobs.
type ColumnFamily struct {
	id   core.CFID
	name string

	// The active and imm pointers are guarded by the engine mutex. Cohort
	// members read active outside the mutex; the pointer is stable because
	// memtable switches only happen in the write path, which a running
	// parallel phase excludes by holding the queue. Record-level access is
	// serialized by the memtable's own lock.
	active *memtable.MemTable
	imm    []*memtable.MemTable

	segments []string
}

// ID returns the column family's id.
func (cf *ColumnFamily) ID() core.CFID { return cf.id }

// Name returns the column family's name.
func (cf *ColumnFamily) Name() string { return cf.name }

// WriteOptions control a single write request.
type WriteOptions struct {
	// Sync demands that the write is durable on return.
	Sync bool

	// DisableWAL skips the write-ahead log for this request.
	DisableWAL bool

	// Timeout bounds the time the request may wait for admission. Zero
	// means wait forever. Once another writer executes on the request's
	// behalf the timeout no longer applies.
	Timeout time.Duration

	// Callback, if set, runs under the write mutex immediately before the
	// write executes; a non-nil return aborts the write. A write carrying
	// a callback never shares a batch group.
	Callback func() error
}

// DB is the storage engine.
type DB struct {
	mu    sync.Mutex // the write mutex
	coord *writer.Coordinator

	cfsByID   map[core.CFID]*ColumnFamily
	cfsByName map[string]*ColumnFamily

	wal     *wal.WAL // nil when the WAL is disabled engine-wide
	lastSeq core.SeqNum

	store           blobstore.Store
	sched           *flush.Scheduler
	flusher         *flush.Flusher
	res             *resource.Controller
	manifestVersion int

	logger  *slog.Logger
	metrics MetricsCollector
	opts    Options

	closed atomic.Bool
}

// Open opens (or creates) an engine rooted at dir.
func Open(dir string, optFns ...func(o *Options)) (*DB, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = blobstore.NewLocalStore(filepath.Join(dir, "segments"))
		if err != nil {
			return nil, err
		}
	}

	db := &DB{
		coord:     writer.NewCoordinator(),
		cfsByID:   make(map[core.CFID]*ColumnFamily),
		cfsByName: make(map[string]*ColumnFamily),
		store:     store,
		sched:     flush.NewScheduler(),
		res:       resource.NewController(opts.Resources),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		opts:      opts,
	}

	names := append([]string{DefaultColumnFamilyName}, opts.ColumnFamilies...)
	for i, name := range names {
		if _, ok := db.cfsByName[name]; ok {
			return nil, fmt.Errorf("duplicate column family: %q", name)
		}
		cf := &ColumnFamily{
			id:     core.CFID(i), //nolint:gosec
			name:   name,
			active: memtable.New(opts.MemTableSize),
		}
		db.cfsByID[cf.id] = cf
		db.cfsByName[cf.name] = cf
	}

	if !opts.DisableWAL {
		walOpts := append([]func(o *wal.Options){func(o *wal.Options) {
			o.Dir = dir
		}}, opts.WALOptions...)
		w, err := wal.New(walOpts...)
		if err != nil {
			return nil, err
		}
		db.wal = w

		if err := db.recover(); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	manifests, err := store.List(context.Background(), "MANIFEST-")
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	db.manifestVersion = len(manifests)

	db.flusher = flush.NewFlusher(db.sched, db.flushColumnFamily, db.res, db.logger)
	db.flusher.Start()

	db.logger.Info("engine opened",
		"dir", dir,
		"column_families", len(names),
		"wal", !opts.DisableWAL,
		"last_seq", uint64(db.lastSeq),
	)
	return db, nil
}

// recover replays committed WAL entries into the memtables.
func (db *DB) recover() error {
	replayed := 0
	err := db.wal.Replay(func(_ core.SeqNum, repr []byte) error {
		b, err := batch.FromRepr(repr)
		if err != nil {
			return err
		}
		replayed++
		return db.applyBatch(b)
	})
	if err != nil {
		return fmt.Errorf("failed to recover from WAL: %w", err)
	}
	db.lastSeq = db.wal.LastSequence()
	if replayed > 0 {
		db.logger.Info("recovered from WAL", "batches", replayed, "last_seq", uint64(db.lastSeq))
	}
	return nil
}

// ColumnFamilyID resolves a column family name.
func (db *DB) ColumnFamilyID(name string) (core.CFID, bool) {
	cf, ok := db.cfsByName[name]
	if !ok {
		return 0, false
	}
	return cf.id, true
}

// LastSequence returns the highest assigned sequence number.
func (db *DB) LastSequence() core.SeqNum {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastSeq
}

// Put writes a single key/value into the default column family.
func (db *DB) Put(key, value []byte, opts WriteOptions) error {
	b := batch.New()
	b.Set(core.DefaultCFID, key, value)
	return db.Write(b, opts)
}

// Delete removes a key from the default column family.
func (db *DB) Delete(key []byte, opts WriteOptions) error {
	b := batch.New()
	b.Delete(core.DefaultCFID, key)
	return db.Write(b, opts)
}

// Get returns the newest value of key from the write buffer of the given
// column family. Flushed history is served by segment readers, not the
// write path; ErrNotFound covers both a missing key and a tombstone.
func (db *DB) Get(cf core.CFID, key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	family, ok := db.cfsByID[cf]
	if !ok {
		return nil, ErrUnknownColumnFamily
	}

	db.mu.Lock()
	tables := make([]*memtable.MemTable, 0, 1+len(family.imm))
	tables = append(tables, family.active)
	for i := len(family.imm) - 1; i >= 0; i-- {
		tables = append(tables, family.imm[i])
	}
	db.mu.Unlock()

	for _, t := range tables {
		if value, kind, ok := t.Get(key, core.MaxSeqNum); ok {
			if kind == core.KindDelete {
				return nil, ErrNotFound
			}
			return value, nil
		}
	}
	return nil, ErrNotFound
}

// Write runs one batch through the write path. The calling goroutine may
// become a batch-group leader and execute other writers' batches, be
// folded into another leader's group, or join a parallel cohort.
func (db *DB) Write(b *batch.Batch, opts WriteOptions) error {
	start := time.Now()
	err := db.write(b, opts)
	db.metrics.RecordWrite(time.Since(start), err)
	return err
}

func (db *DB) write(b *batch.Batch, opts WriteOptions) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if b == nil || b.Empty() {
		return ErrEmptyBatch
	}
	cfs, err := b.CFs()
	if err != nil {
		return err
	}
	for cf := range cfs {
		if _, ok := db.cfsByID[cf]; !ok {
			return ErrUnknownColumnFamily
		}
	}

	w := writer.NewWriter(b)
	w.Sync = opts.Sync
	w.DisableWAL = opts.DisableWAL || db.opts.DisableWAL
	w.Callback = opts.Callback
	w.TimeoutHint = opts.Timeout
	w.CFs.Merge(cfs)

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	db.mu.Lock()
	if err := db.coord.JoinGroup(&db.mu, w, deadline); err != nil {
		db.mu.Unlock()
		db.metrics.RecordWriteTimeout()
		return err
	}

	if w.Done() {
		// A leader executed this batch inside its group.
		status := w.Status()
		db.mu.Unlock()
		return status
	}

	if w.ParallelID() > 0 {
		// Promoted into a parallel cohort: apply our own batch, report,
		// and wait for the cohort leader's cleanup.
		db.mu.Unlock()

		applyErr := db.applyBatch(b)
		w.SetStatus(applyErr)

		wakeLeader := db.coord.FinishParallel()
		db.coord.ExitParallelWriter(w, wakeLeader, &db.mu)
		return applyErr
	}

	// Leader.
	group, last, groupBytes := db.coord.BuildBatchGroup()

	if w.Callback != nil {
		// A leader carrying a callback leads a group of one.
		if cbErr := w.Callback(); cbErr != nil {
			db.coord.ExitGroup(w, last, cbErr)
			db.mu.Unlock()
			return cbErr
		}
	}

	batches := make([]*batch.Batch, len(group))
	seq := db.lastSeq + 1
	for i, p := range group {
		gb, ok := p.(*batch.Batch)
		if !ok {
			panic("engine: foreign payload in batch group")
		}
		gb.SetSequence(seq)
		seq += core.SeqNum(gb.Count()) //nolint:gosec
		batches[i] = gb
	}
	db.lastSeq = seq - 1

	var status error
	if !w.DisableWAL {
		reprs := make([][]byte, len(batches))
		for i, gb := range batches {
			reprs[i] = gb.Repr()
		}
		// Sync followers only fold behind a sync leader, so the leader's
		// flag covers the whole group.
		status = db.wal.AppendGroup(reprs, w.Sync)
	}

	if status == nil && db.opts.ParallelWrites && len(batches) > 1 {
		db.metrics.RecordBatchGroup(len(batches), groupBytes, true)
		db.coord.StartParallel(w, len(batches), last)
		db.mu.Unlock()

		applyErr := db.applyBatch(b)
		w.SetStatus(applyErr)
		_ = db.coord.FinishParallel()

		db.mu.Lock()
		db.coord.WaitParallelFinished(&db.mu, w)
		db.coord.ExitParallelLeader(w, last, (*flushHook)(db))
		db.mu.Unlock()
		return applyErr
	}

	db.metrics.RecordBatchGroup(len(batches), groupBytes, false)
	if status == nil {
		for _, gb := range batches {
			if applyErr := db.applyBatch(gb); applyErr != nil {
				status = applyErr
				break
			}
		}
	}
	if status == nil {
		// The serial path schedules flushes directly; the hook protocol is
		// only driven by parallel cohort leaders.
		db.scheduleDueFlushesLocked(batches)
	}

	db.coord.ExitGroup(w, last, status)
	db.mu.Unlock()
	return status
}

// applyBatch applies every record of b to its column family's active
// memtable, versioned from the batch's base sequence.
func (db *DB) applyBatch(b *batch.Batch) error {
	seq := b.Sequence()
	var added int64
	err := b.Iter(func(rec batch.Record) error {
		cf, ok := db.cfsByID[rec.CF]
		if !ok {
			return ErrUnknownColumnFamily
		}
		cf.active.Add(seq, rec.Kind, rec.Key, rec.Value)
		seq++
		added += int64(len(rec.Key) + len(rec.Value))
		return nil
	})
	if err != nil {
		return err
	}
	return db.res.ReserveMemory(context.Background(), added)
}

// scheduleDueFlushesLocked freezes and queues every column family touched
// by the group whose memtable outgrew its budget. Caller holds db.mu.
func (db *DB) scheduleDueFlushesLocked(batches []*batch.Batch) {
	seen := make(core.CFSet)
	for _, gb := range batches {
		cfs, err := gb.CFs()
		if err != nil {
			continue
		}
		seen.Merge(cfs)
	}
	hook := (*flushHook)(db)
	for cf := range seen {
		if hook.ShouldScheduleFlush(cf) {
			hook.ScheduleFlush(cf)
			hook.MarkFlushScheduled(cf)
		}
	}
}

// flushHook adapts the engine to the coordinator's flush-hook contract.
// All three methods run under the write mutex.
type flushHook DB

var _ writer.FlushHook = (*flushHook)(nil)

// ShouldScheduleFlush reports whether the column family's active memtable
// outgrew its budget and is not yet latched.
func (h *flushHook) ShouldScheduleFlush(cf core.CFID) bool {
	family, ok := h.cfsByID[cf]
	if !ok {
		return false
	}
	return family.active.ShouldScheduleFlush()
}

// ScheduleFlush freezes the active memtable and queues the column family
// for a background flush. Freezing here, in the write path, means no
// cohort member can ever race a memtable switch.
func (h *flushHook) ScheduleFlush(cf core.CFID) {
	db := (*DB)(h)
	family := db.cfsByID[cf]

	family.imm = append(family.imm, family.active)
	family.active = memtable.New(db.opts.MemTableSize)

	db.sched.Schedule(cf)
	db.flusher.Notify()
	db.logger.Debug("flush scheduled", "cf", family.name,
		"frozen_bytes", family.imm[len(family.imm)-1].ApproximateSize())
}

// MarkFlushScheduled latches the frozen memtable so it is not scheduled
// twice.
func (h *flushHook) MarkFlushScheduled(cf core.CFID) {
	family, ok := h.cfsByID[cf]
	if !ok || len(family.imm) == 0 {
		return
	}
	family.imm[len(family.imm)-1].MarkFlushScheduled()
}

// flushColumnFamily streams every frozen memtable of cf, oldest first,
// into segment blobs and publishes each in the manifest. Runs on a flusher
// goroutine.
func (db *DB) flushColumnFamily(ctx context.Context, cf core.CFID) error {
	start := time.Now()
	err := db.doFlush(ctx, cf)
	db.metrics.RecordFlush(time.Since(start), err)
	return err
}

// doFlush drains every frozen memtable of cf, oldest first. One queue
// entry may cover several freezes: scheduling is deduplicated, so a
// column family frozen twice before the flusher ran still ends up fully
// flushed.
func (db *DB) doFlush(ctx context.Context, cf core.CFID) error {
	for {
		done, err := db.flushOldestFrozen(ctx, cf)
		if err != nil || done {
			return err
		}
	}
}

func (db *DB) flushOldestFrozen(ctx context.Context, cf core.CFID) (bool, error) {
	db.mu.Lock()
	family, ok := db.cfsByID[cf]
	if !ok || len(family.imm) == 0 {
		db.mu.Unlock()
		return true, nil
	}
	frozen := family.imm[0]
	db.mu.Unlock()

	name := fmt.Sprintf("%s-%s.seg", family.name, uuid.NewString())
	blob, err := db.store.Create(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to create segment blob: %w", err)
	}

	tw := &throttledWriter{ctx: ctx, w: blob, res: db.res}
	count, err := flush.WriteSegment(tw, db.opts.SegmentCodec, frozen.Ascend)
	if err != nil {
		_ = blob.Close()
		return false, fmt.Errorf("failed to write segment: %w", err)
	}
	if err := blob.Sync(); err != nil {
		_ = blob.Close()
		return false, err
	}
	if err := blob.Close(); err != nil {
		return false, fmt.Errorf("failed to publish segment: %w", err)
	}

	db.mu.Lock()
	family.imm = family.imm[1:]
	family.segments = append(family.segments, name)
	err = db.writeManifestLocked(ctx)
	remaining := len(family.imm)
	db.mu.Unlock()

	db.res.ReleaseMemory(frozen.ApproximateSize())

	db.logger.Info("memtable flushed",
		"cf", family.name,
		"segment", name,
		"entries", count,
		"bytes", frozen.ApproximateSize(),
	)
	return remaining == 0, err
}

// manifest is the JSON document naming every live segment per column
// family. CURRENT points at the newest manifest blob.
type manifest struct {
	Version        int          `json:"version"`
	ColumnFamilies []manifestCF `json:"column_families"`
}

type manifestCF struct {
	ID       core.CFID `json:"id"`
	Name     string    `json:"name"`
	Segments []string  `json:"segments"`
}

func (db *DB) writeManifestLocked(ctx context.Context) error {
	db.manifestVersion++
	m := manifest{Version: db.manifestVersion}
	for id := core.CFID(0); int(id) < len(db.cfsByID); id++ {
		family := db.cfsByID[id]
		m.ColumnFamilies = append(m.ColumnFamilies, manifestCF{
			ID:       family.id,
			Name:     family.name,
			Segments: append([]string(nil), family.segments...),
		})
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	name := fmt.Sprintf("MANIFEST-%06d", db.manifestVersion)
	if err := db.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := db.store.Put(ctx, "CURRENT", []byte(name)); err != nil {
		return fmt.Errorf("failed to update CURRENT: %w", err)
	}
	return nil
}

// Flush freezes every non-empty active memtable and queues it for
// background flushing. It does not wait for the flushes to finish.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrClosed
	}

	db.mu.Lock()
	hook := (*flushHook)(db)
	for _, family := range db.cfsByID {
		if family.active.Len() == 0 {
			continue
		}
		hook.ScheduleFlush(family.id)
		hook.MarkFlushScheduled(family.id)
	}
	db.mu.Unlock()
	return nil
}

// Close flushes the write buffer, drains background work, checkpoints
// the WAL, and releases all resources. Close is idempotent.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.mu.Lock()
	hook := (*flushHook)(db)
	for _, family := range db.cfsByID {
		if family.active.Len() > 0 {
			hook.ScheduleFlush(family.id)
			hook.MarkFlushScheduled(family.id)
		}
	}
	db.mu.Unlock()

	// Drains the flush queue and waits for in-flight flushes.
	db.flusher.Close()

	if db.wal != nil {
		if err := db.wal.Checkpoint(); err != nil {
			_ = db.wal.Close()
			return err
		}
		if err := db.wal.Close(); err != nil {
			return err
		}
	}

	db.logger.Info("engine closed", "last_seq", uint64(db.lastSeq))
	return nil
}

// throttledWriter applies the IO rate limit to segment writes.
type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	res *resource.Controller
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if err := t.res.ThrottleIO(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

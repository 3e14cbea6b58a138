package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/lsmgo/batch"
	"github.com/hupe1980/lsmgo/blobstore"
	"github.com/hupe1980/lsmgo/core"
	"github.com/hupe1980/lsmgo/flush"
	"github.com/hupe1980/lsmgo/testutil"
	"github.com/hupe1980/lsmgo/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v"), WriteOptions{}))

	got, err := db.Get(core.DefaultCFID, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, db.Delete([]byte("k"), WriteOptions{}))
	_, err = db.Get(core.DefaultCFID, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Get(core.DefaultCFID, []byte("never"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteBatchAcrossColumnFamilies(t *testing.T) {
	db, err := Open(t.TempDir(), WithColumnFamilies("meta"))
	require.NoError(t, err)
	defer db.Close()

	metaID, ok := db.ColumnFamilyID("meta")
	require.True(t, ok)
	assert.Equal(t, core.CFID(1), metaID)

	b := batch.New()
	b.Set(core.DefaultCFID, []byte("a"), []byte("1"))
	b.Set(metaID, []byte("a"), []byte("2"))
	require.NoError(t, db.Write(b, WriteOptions{}))

	got, err := db.Get(core.DefaultCFID, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	got, err = db.Get(metaID, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)

	// Sequence numbers were assigned to both records.
	assert.Equal(t, core.SeqNum(2), db.LastSequence())
}

func TestWriteValidation(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	assert.ErrorIs(t, db.Write(nil, WriteOptions{}), ErrEmptyBatch)
	assert.ErrorIs(t, db.Write(batch.New(), WriteOptions{}), ErrEmptyBatch)

	b := batch.New()
	b.Set(core.CFID(42), []byte("k"), []byte("v"))
	assert.ErrorIs(t, db.Write(b, WriteOptions{}), ErrUnknownColumnFamily)
}

func TestCallbackAbortsWrite(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	refused := errors.New("refused")
	err = db.Put([]byte("k"), []byte("v"), WriteOptions{
		Callback: func() error { return refused },
	})
	assert.ErrorIs(t, err, refused)

	_, err = db.Get(core.DefaultCFID, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentWrites(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "serial"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			db, err := Open(t.TempDir(), WithParallelWrites(parallel))
			require.NoError(t, err)
			defer db.Close()

			const (
				goroutines = 8
				perG       = 100
			)
			var wg sync.WaitGroup
			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < perG; i++ {
						key := fmt.Appendf(nil, "key-%d-%d", g, i)
						val := fmt.Appendf(nil, "val-%d-%d", g, i)
						assert.NoError(t, db.Put(key, val, WriteOptions{}))
					}
				}(g)
			}
			wg.Wait()

			assert.Equal(t, core.SeqNum(goroutines*perG), db.LastSequence())

			for g := 0; g < goroutines; g++ {
				for i := 0; i < perG; i++ {
					key := fmt.Appendf(nil, "key-%d-%d", g, i)
					got, err := db.Get(core.DefaultCFID, key)
					require.NoError(t, err, "key %s", key)
					assert.Equal(t, fmt.Appendf(nil, "val-%d-%d", g, i), got)
				}
			}
		})
	}
}

func TestSyncAndDisableWALWrites(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("durable"), []byte("1"), WriteOptions{Sync: true}))
	require.NoError(t, db.Put([]byte("volatile"), []byte("2"), WriteOptions{DisableWAL: true}))

	got, err := db.Get(core.DefaultCFID, []byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	got, err = db.Get(core.DefaultCFID, []byte("volatile"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestRecoveryFromWAL(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, WithWALOptions(func(o *wal.Options) {
		o.DurabilityMode = wal.DurabilitySync
	}))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		key := fmt.Appendf(nil, "k%d", i)
		require.NoError(t, db.Put(key, []byte("v"), WriteOptions{}))
	}
	// Simulate a crash: no Close, no flush, no checkpoint.

	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	assert.Equal(t, core.SeqNum(5), db2.LastSequence())
	for i := 0; i < 5; i++ {
		key := fmt.Appendf(nil, "k%d", i)
		got, err := db2.Get(core.DefaultCFID, key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, []byte("v"), got)
	}
}

func TestAutoFlushWritesSegment(t *testing.T) {
	store := blobstore.NewMemoryStore()

	db, err := Open(t.TempDir(),
		WithStore(store),
		WithMemTableSize(512),
	)
	require.NoError(t, err)
	defer db.Close()

	rng := testutil.NewRNG(1)
	for i := 0; i < 64; i++ {
		require.NoError(t, db.Put(rng.Key(i), rng.Value(32), WriteOptions{}))
	}

	var segs []string
	testutil.WaitFor(t, 5*time.Second, func() bool {
		segs, err = store.List(context.Background(), "default-")
		require.NoError(t, err)
		return len(segs) > 0
	}, "flush never produced a segment")

	// The manifest and CURRENT pointer were published with the segment.
	testutil.WaitFor(t, 5*time.Second, func() bool {
		names, err := store.List(context.Background(), "")
		require.NoError(t, err)
		hasManifest, hasCurrent := false, false
		for _, n := range names {
			if n == "CURRENT" {
				hasCurrent = true
			}
			if len(n) > 9 && n[:9] == "MANIFEST-" {
				hasManifest = true
			}
		}
		return hasManifest && hasCurrent
	}, "manifest was never published")

	// The segment decodes and holds flushed entries.
	blob, err := store.Open(context.Background(), segs[0])
	require.NoError(t, err)
	data := make([]byte, blob.Size())
	_, err = blob.ReadAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, blob.Close())

	seg, err := flush.ReadSegment(bytes.NewReader(data))
	require.NoError(t, err)
	assert.NotEmpty(t, seg.Entries)
}

func TestCloseFlushesAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	store := blobstore.NewMemoryStore()

	db, err := Open(dir, WithStore(store))
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v"), WriteOptions{}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close()) // idempotent

	// Everything was flushed on close.
	segs, err := store.List(context.Background(), "default-")
	require.NoError(t, err)
	assert.NotEmpty(t, segs)

	// The checkpointed WAL replays nothing into a fresh engine.
	db2, err := Open(dir, WithStore(blobstore.NewMemoryStore()))
	require.NoError(t, err)
	defer db2.Close()
	_, err = db2.Get(core.DefaultCFID, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Writes after close fail.
	assert.ErrorIs(t, db.Put([]byte("x"), []byte("y"), WriteOptions{}), ErrClosed)
	_, err = db.Get(core.DefaultCFID, []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManualFlush(t *testing.T) {
	store := blobstore.NewMemoryStore()
	db, err := Open(t.TempDir(), WithStore(store))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v"), WriteOptions{}))
	require.NoError(t, db.Flush())

	testutil.WaitFor(t, 5*time.Second, func() bool {
		segs, err := store.List(context.Background(), "default-")
		require.NoError(t, err)
		return len(segs) == 1
	}, "manual flush never produced a segment")
}

func TestMetricsCollection(t *testing.T) {
	m := &BasicMetrics{}
	db, err := Open(t.TempDir(), WithMetrics(m))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1"), WriteOptions{}))
	require.NoError(t, db.Put([]byte("b"), []byte("2"), WriteOptions{}))

	assert.Equal(t, int64(2), m.WriteCount.Load())
	assert.Zero(t, m.WriteErrors.Load())
	assert.Positive(t, m.GroupCount.Load())
	assert.Positive(t, m.GroupBytes.Load())
}

package wal

import (
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/lsmgo/batch"
	"github.com/hupe1980/lsmgo/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedBatch(t *testing.T, seq core.SeqNum, keys ...string) []byte {
	t.Helper()
	b := batch.New()
	for _, k := range keys {
		b.Set(core.DefaultCFID, []byte(k), []byte("v"))
	}
	b.SetSequence(seq)
	return b.Repr()
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) {
		o.Dir = dir
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)

	require.NoError(t, w.AppendBatch(encodedBatch(t, 1, "a", "b"), false))
	require.NoError(t, w.AppendBatch(encodedBatch(t, 3, "c"), true))
	assert.Equal(t, core.SeqNum(3), w.LastSequence())

	var seqs []core.SeqNum
	var keys []string
	err = w.Replay(func(seq core.SeqNum, repr []byte) error {
		seqs = append(seqs, seq)
		b, err := batch.FromRepr(repr)
		if err != nil {
			return err
		}
		return b.Iter(func(rec batch.Record) error {
			keys = append(keys, string(rec.Key))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []core.SeqNum{1, 3}, seqs)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	require.NoError(t, w.Close())
}

func TestReopenRecoversLastSequence(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) {
		o.Dir = dir
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch(encodedBatch(t, 1, "a", "b", "c"), false))
	require.NoError(t, w.Close())

	w2, err := New(func(o *Options) {
		o.Dir = dir
	})
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, core.SeqNum(3), w2.LastSequence())
}

func TestCheckpointTruncates(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) {
		o.Dir = dir
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendBatch(encodedBatch(t, 1, "a"), false))
	require.NoError(t, w.Checkpoint())

	replayed := 0
	require.NoError(t, w.Replay(func(core.SeqNum, []byte) error {
		replayed++
		return nil
	}))
	assert.Zero(t, replayed)

	// The log keeps accepting appends after a checkpoint.
	require.NoError(t, w.AppendBatch(encodedBatch(t, 2, "b"), false))
	require.NoError(t, w.Replay(func(seq core.SeqNum, _ []byte) error {
		assert.Equal(t, core.SeqNum(2), seq)
		replayed++
		return nil
	}))
	assert.Equal(t, 1, replayed)
}

func TestCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) {
		o.Dir = dir
		o.Compress = true
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		seq := core.SeqNum(i + 1)
		require.NoError(t, w.AppendBatch(encodedBatch(t, seq, "key"), false))
	}
	require.NoError(t, w.Close())

	w2, err := New(func(o *Options) {
		o.Dir = dir
	})
	require.NoError(t, err)
	defer w2.Close()

	count := 0
	require.NoError(t, w2.Replay(func(core.SeqNum, []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 10, count)
	assert.Equal(t, core.SeqNum(10), w2.LastSequence())
}

func TestGroupCommitReleasesWaiters(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) {
		o.Dir = dir
		o.DurabilityMode = DurabilityGroupCommit
		o.GroupCommitInterval = 2 * time.Millisecond
		o.GroupCommitMaxBatches = 1000 // force the interval path
	})
	require.NoError(t, err)
	defer w.Close()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq := core.SeqNum(i + 1)
			assert.NoError(t, w.AppendBatch(encodedBatch(t, seq, "k"), false))
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("group-commit waiters were never released")
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	w, err := New(func(o *Options) {
		o.Dir = t.TempDir()
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close()) // idempotent

	err = w.AppendBatch(encodedBatch(t, 1, "a"), false)
	assert.ErrorIs(t, err, ErrClosed)
}

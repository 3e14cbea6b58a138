// Package wal provides the write-ahead log for the engine's write path.
//
// Every batch group the write coordinator executes is appended, one log
// entry per batch, before it is applied to the memtables, so a crash can
// replay acknowledged writes. The log supports:
//   - optional zstd compression of the entry stream
//   - per-append durability: a write that demands sync is fsynced
//     immediately, everything else follows the configured mode
//   - group commit: non-sync appends wait for a background fsync that
//     amortizes the sync cost across many writers
//   - checkpointing: after the memtables reach durable storage the log is
//     truncated so replay starts from a clean slate
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/lsmgo/batch"
	"github.com/hupe1980/lsmgo/core"
	"github.com/klauspost/compress/zstd"
)

const fileName = "lsmgo.wal"

// WAL is an append-only log of batch groups.
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	writer       io.Writer
	bufWriter    *bufio.Writer
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder

	filePath         string
	compressed       bool
	compressionLevel int
	dataOffset       int64

	lastSeq core.SeqNum

	durabilityMode DurabilityMode

	// Group commit state. pendingBatches counts appends since the last
	// fsync; persistedSeq is the highest record sequence known durable.
	groupCommitInterval   time.Duration
	groupCommitMaxBatches int
	pendingBatches        int
	persistedSeq          core.SeqNum
	syncCond              *sync.Cond
	ticker                *time.Ticker
	stopCh                chan struct{}
	workerWg              sync.WaitGroup
}

// New opens (or creates) the log in the configured directory.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	filePath := filepath.Join(opts.Dir, fileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:                  file,
		filePath:              filePath,
		compressionLevel:      opts.CompressionLevel,
		durabilityMode:        opts.DurabilityMode,
		groupCommitInterval:   opts.GroupCommitInterval,
		groupCommitMaxBatches: opts.GroupCommitMaxBatches,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if st.Size() == 0 {
		hdrLen, err := writeHeader(w.file, headerInfo{
			Compressed:       opts.Compress,
			CompressionLevel: opts.CompressionLevel,
		})
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		w.dataOffset = hdrLen
		w.compressed = opts.Compress
	} else {
		info, valid, err := readHeader(w.file)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		if !valid {
			_ = file.Close()
			return nil, fmt.Errorf("invalid WAL header")
		}
		w.dataOffset = walHeaderLen
		w.compressed = info.Compressed
		w.compressionLevel = info.CompressionLevel
	}

	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if err := w.initCodecs(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := w.scanForLastSeq(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}
	w.persistedSeq = w.lastSeq

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.stopCh = make(chan struct{})
		w.ticker = time.NewTicker(w.groupCommitInterval)
		w.workerWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

func (w *WAL) initCodecs() error {
	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(w.file, zstd.WithEncoderLevel(level))
		if err != nil {
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)

		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = compressor.Close()
			return fmt.Errorf("failed to create decompressor: %w", err)
		}
		w.decompressor = decompressor
	} else {
		w.bufWriter = bufio.NewWriter(w.file)
	}
	w.writer = w.bufWriter
	return nil
}

// FilePath returns the path of the log file.
func (w *WAL) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

// LastSequence returns the highest sequence number recorded in the log,
// including every record of the last appended batch group.
func (w *WAL) LastSequence() core.SeqNum {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// AppendBatch appends one encoded batch representation. The base sequence
// and record count are read from the representation's header. If sync is
// true the append is fsynced before returning regardless of the
// durability mode; otherwise the configured mode decides when the bytes
// become durable.
func (w *WAL) AppendBatch(repr []byte, sync bool) error {
	return w.AppendGroup([][]byte{repr}, sync)
}

// AppendGroup appends the representations of one batch group in order and
// applies a single durability decision to the whole group: one fsync (or
// one group-commit wait) covers every batch.
func (w *WAL) AppendGroup(reprs [][]byte, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	for _, repr := range reprs {
		b, err := batch.FromRepr(repr)
		if err != nil {
			return fmt.Errorf("failed to decode batch for WAL append: %w", err)
		}
		entry := Entry{Type: EntryBatch, SeqNum: b.Sequence(), Repr: repr}
		if encErr := w.encodeEntry(&entry); encErr != nil {
			return fmt.Errorf("failed to encode WAL entry: %w", encErr)
		}
		if count := b.Count(); count > 0 {
			if n := b.Sequence() + core.SeqNum(count-1); n > w.lastSeq { //nolint:gosec
				w.lastSeq = n
			}
		}
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	if sync {
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.markPersistedLocked()
		return nil
	}
	return w.syncIfNeededLocked(w.lastSeq)
}

// syncIfNeededLocked applies the configured durability mode to an append
// whose last record is targetSeq.
func (w *WAL) syncIfNeededLocked(targetSeq core.SeqNum) error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.markPersistedLocked()
		return nil

	case DurabilityGroupCommit:
		w.pendingBatches++
		if w.pendingBatches >= w.groupCommitMaxBatches {
			return w.doGroupCommitLocked()
		}
		// The wait releases w.mu so the background worker (or another
		// writer crossing the batch threshold) can perform the sync.
		for w.persistedSeq < targetSeq {
			w.syncCond.Wait()
			if w.file == nil {
				return ErrClosed
			}
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommitLocked fsyncs pending appends and wakes their waiters.
func (w *WAL) doGroupCommitLocked() error {
	if w.pendingBatches == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.markPersistedLocked()
	return nil
}

func (w *WAL) markPersistedLocked() {
	w.pendingBatches = 0
	w.persistedSeq = w.lastSeq
	w.syncCond.Broadcast()
}

func (w *WAL) groupCommitWorker() {
	defer w.workerWg.Done()

	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			if w.file != nil {
				_ = w.doGroupCommitLocked()
			}
			w.mu.Unlock()
			return

		case <-w.ticker.C:
			w.mu.Lock()
			if w.file != nil {
				_ = w.doGroupCommitLocked()
			}
			w.mu.Unlock()
		}
	}
}

// scanForLastSeq walks the log to find the highest recorded sequence.
func (w *WAL) scanForLastSeq() error {
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return err
	}

	reader, err := w.entryReader()
	if err != nil {
		return err
	}

	var last core.SeqNum
	for {
		var entry Entry
		if err := decodeEntry(reader, &entry); err != nil {
			// EOF or a torn tail entry; stop here either way.
			break
		}
		if entry.Type != EntryBatch {
			continue
		}
		b, err := batch.FromRepr(entry.Repr)
		if err != nil {
			break
		}
		if n := entry.SeqNum + core.SeqNum(b.Count()) - 1; n > last { //nolint:gosec
			last = n
		}
	}
	w.lastSeq = last

	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}

func (w *WAL) entryReader() (io.Reader, error) {
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return nil, fmt.Errorf("failed to reset decompressor: %w", err)
		}
		return w.decompressor, nil
	}
	return bufio.NewReader(w.file), nil
}

// Checkpoint records that everything appended so far is durable elsewhere
// and truncates the log.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	entry := Entry{Type: EntryCheckpoint, SeqNum: w.lastSeq}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	// A checkpoint is an explicit durability boundary.
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.markPersistedLocked()

	return w.truncateLocked()
}

func (w *WAL) truncateLocked() error {
	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	w.file = file

	hdrLen, err := writeHeader(w.file, headerInfo{
		Compressed:       w.compressed,
		CompressionLevel: w.compressionLevel,
	})
	if err != nil {
		_ = w.file.Close()
		w.file = nil
		return err
	}
	w.dataOffset = hdrLen
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		_ = w.file.Close()
		w.file = nil
		return fmt.Errorf("failed to seek WAL data offset: %w", err)
	}

	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			w.file = nil
			return fmt.Errorf("failed to recreate compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
	} else {
		w.bufWriter = bufio.NewWriter(file)
	}
	w.writer = w.bufWriter

	return nil
}

// Close stops the group-commit worker, performs a final sync, and closes
// the file. The WAL is unusable afterwards; Close is idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if w.ticker != nil {
		close(w.stopCh)
		w.mu.Unlock()
		w.workerWg.Wait()
		w.mu.Lock()
		w.ticker.Stop()
		w.ticker = nil
	}

	var errs []error
	if w.bufWriter != nil {
		if err := w.bufWriter.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush buffer: %w", err))
		}
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close compressor: %w", err))
		}
	}
	if w.decompressor != nil {
		w.decompressor.Close()
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, err)
	}
	w.file = nil

	// Release any group-commit waiters still parked on the condition.
	w.syncCond.Broadcast()

	return errors.Join(errs...)
}

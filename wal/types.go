package wal

import (
	"time"

	"github.com/hupe1980/lsmgo/core"
)

// DurabilityMode defines the fsync behavior for WAL appends.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest, but a crash can lose
	// recently acknowledged writes. Use when external replication provides
	// durability.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsyncs: appends wait until a background
	// sync (or a batch-size trigger) persists their sequence number.
	// Balanced throughput and durability; the default.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every append. Slowest, strongest.
	DurabilitySync
)

// EntryType discriminates records in the log.
type EntryType uint8

const (
	// EntryBatch carries one encoded batch representation.
	EntryBatch EntryType = iota + 1
	// EntryCheckpoint marks that everything before it has been persisted
	// elsewhere and may be ignored during replay.
	EntryCheckpoint
)

// Entry is a single record in the log.
type Entry struct {
	Type   EntryType
	SeqNum core.SeqNum // base sequence of the batch
	Repr   []byte      // encoded batch representation, nil for checkpoints
}

// Options configures the WAL.
type Options struct {
	// Dir is the directory holding the log file.
	Dir string

	// Compress enables zstd compression of the entry stream.
	Compress bool

	// CompressionLevel sets the zstd level (1-22); 3 is a good default.
	CompressionLevel int

	// DurabilityMode controls fsync behavior for non-sync writes. Writes
	// that demand sync are fsynced regardless of mode.
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the background fsync period in GroupCommit
	// mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxBatches triggers an immediate fsync once this many
	// appends are pending in GroupCommit mode.
	GroupCommitMaxBatches int
}

// DefaultOptions returns the default WAL configuration.
var DefaultOptions = Options{
	Dir:                   ".",
	Compress:              false,
	CompressionLevel:      3,
	DurabilityMode:        DurabilityGroupCommit,
	GroupCommitInterval:   10 * time.Millisecond,
	GroupCommitMaxBatches: 100,
}

package engine

import (
	"log/slog"

	"github.com/hupe1980/lsmgo/blobstore"
	"github.com/hupe1980/lsmgo/flush"
	"github.com/hupe1980/lsmgo/resource"
	"github.com/hupe1980/lsmgo/wal"
)

// Options configures the engine.
type Options struct {
	// MemTableSize is the per-column-family memtable budget in bytes.
	// Reaching it makes the memtable eligible for a background flush.
	MemTableSize int64

	// ParallelWrites lets a batch-group leader promote the group into a
	// parallel cohort in which every writer applies its own batch.
	ParallelWrites bool

	// ColumnFamilies names additional column families beyond "default".
	// IDs are assigned in order, starting at 1.
	ColumnFamilies []string

	// DisableWAL turns the write-ahead log off for the whole engine.
	// Individual writes can still opt out per request.
	DisableWAL bool

	// WALOptions tune the write-ahead log (compression, durability mode,
	// group commit).
	WALOptions []func(o *wal.Options)

	// SegmentCodec selects the flushed-segment compression.
	SegmentCodec flush.Codec

	// Store holds flushed segments and manifests. Defaults to a local
	// store under the engine directory.
	Store blobstore.Store

	// Resources bounds background flushes, flush IO, and memtable memory.
	Resources resource.Config

	// Logger receives structured engine events. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives operational metrics. Defaults to NoopMetrics.
	Metrics MetricsCollector
}

// DefaultOptions returns the default engine configuration.
var DefaultOptions = Options{
	MemTableSize:   4 << 20,
	ParallelWrites: false,
	SegmentCodec:   flush.CodecLZ4,
}

// WithMemTableSize sets the per-column-family memtable budget.
func WithMemTableSize(n int64) func(o *Options) {
	return func(o *Options) { o.MemTableSize = n }
}

// WithParallelWrites enables parallel batch-group execution.
func WithParallelWrites(enabled bool) func(o *Options) {
	return func(o *Options) { o.ParallelWrites = enabled }
}

// WithColumnFamilies names additional column families.
func WithColumnFamilies(names ...string) func(o *Options) {
	return func(o *Options) { o.ColumnFamilies = names }
}

// WithDisableWAL disables the write-ahead log engine-wide.
func WithDisableWAL() func(o *Options) {
	return func(o *Options) { o.DisableWAL = true }
}

// WithWALOptions tunes the write-ahead log.
func WithWALOptions(fns ...func(o *wal.Options)) func(o *Options) {
	return func(o *Options) { o.WALOptions = append(o.WALOptions, fns...) }
}

// WithSegmentCodec selects the flushed-segment compression.
func WithSegmentCodec(c flush.Codec) func(o *Options) {
	return func(o *Options) { o.SegmentCodec = c }
}

// WithStore sets the blob store for segments and manifests.
func WithStore(s blobstore.Store) func(o *Options) {
	return func(o *Options) { o.Store = s }
}

// WithResources bounds background work.
func WithResources(cfg resource.Config) func(o *Options) {
	return func(o *Options) { o.Resources = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) func(o *Options) {
	return func(o *Options) { o.Metrics = m }
}

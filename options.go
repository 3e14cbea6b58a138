package lsmgo

import "github.com/hupe1980/lsmgo/engine"

// Options configures an engine; see the engine package for details.
type Options = engine.Options

// Engine configuration options, re-exported for convenience.
var (
	WithMemTableSize   = engine.WithMemTableSize
	WithParallelWrites = engine.WithParallelWrites
	WithColumnFamilies = engine.WithColumnFamilies
	WithDisableWAL     = engine.WithDisableWAL
	WithWALOptions     = engine.WithWALOptions
	WithSegmentCodec   = engine.WithSegmentCodec
	WithStore          = engine.WithStore
	WithResources      = engine.WithResources
	WithLogger         = engine.WithLogger
	WithMetrics        = engine.WithMetrics
)

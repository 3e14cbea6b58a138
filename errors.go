package lsmgo

import "github.com/hupe1980/lsmgo/engine"

// Sentinel errors, re-exported from the engine.
var (
	// ErrNotFound is returned by Get when a key has no visible version.
	ErrNotFound = engine.ErrNotFound

	// ErrClosed is returned when the database is used after Close.
	ErrClosed = engine.ErrClosed

	// ErrTimedOut is returned when a write's deadline passes before its
	// work starts.
	ErrTimedOut = engine.ErrTimedOut

	// ErrEmptyBatch is returned when a write carries no records.
	ErrEmptyBatch = engine.ErrEmptyBatch

	// ErrUnknownColumnFamily is returned for a column family the database
	// was not opened with.
	ErrUnknownColumnFamily = engine.ErrUnknownColumnFamily
)

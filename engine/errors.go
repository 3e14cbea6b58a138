package engine

import (
	"errors"

	"github.com/hupe1980/lsmgo/writer"
)

var (
	// ErrClosed is returned when the engine is used after Close.
	ErrClosed = errors.New("engine: closed")

	// ErrNotFound is returned when a key has no visible version in the
	// write buffer.
	ErrNotFound = errors.New("engine: not found")

	// ErrEmptyBatch is returned when a write carries no records.
	ErrEmptyBatch = errors.New("engine: empty batch")

	// ErrUnknownColumnFamily is returned for a column family the engine
	// was not opened with.
	ErrUnknownColumnFamily = errors.New("engine: unknown column family")

	// ErrTimedOut is returned when a write's deadline passes before its
	// work starts.
	ErrTimedOut = writer.ErrTimedOut
)

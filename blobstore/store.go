// Package blobstore abstracts where immutable engine artifacts live:
// flushed segments, manifests, and archived logs. Backends range from the
// local filesystem to S3-compatible object stores.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error satisfying
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store is a flat namespace of immutable blobs.
type Store interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create creates a blob for streaming writes. The blob becomes
	// visible once Close returns nil.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a blob in one call.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a write-once handle returned by Store.Create.
type WritableBlob interface {
	io.Writer
	// Close finishes the write and publishes the blob.
	io.Closer
	// Sync forces written bytes to durable storage where the backend
	// supports it; object stores treat it as a no-op.
	Sync() error
}

package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "seg-1", []byte("hello")))

	w, err := s.Create(ctx, "seg-2")
	require.NoError(t, err)
	_, err = w.Write([]byte("wor"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ld"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	b, err := s.Open(ctx, "seg-2")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Size())
	buf := make([]byte, 5)
	_, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	// Partial read at offset.
	part := make([]byte, 2)
	_, err = b.ReadAt(part, 3)
	if err != nil {
		assert.ErrorIs(t, err, io.EOF)
	}
	assert.Equal(t, "ld", string(part))
	require.NoError(t, b.Close())

	names, err := s.List(ctx, "seg-")
	require.NoError(t, err)
	assert.Equal(t, []string{"seg-1", "seg-2"}, names)

	require.NoError(t, s.Delete(ctx, "seg-1"))
	require.NoError(t, s.Delete(ctx, "seg-1")) // idempotent
	names, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"seg-2"}, names)
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

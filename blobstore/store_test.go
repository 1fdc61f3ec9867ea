package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/hupe1980/docindex/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeConformance(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "segment_1/data", []byte("hello world")))
	require.NoError(t, s.Put(ctx, "segment_1/segment_complete", []byte("ok")))
	require.NoError(t, s.Put(ctx, "version.1", []byte("{}")))

	names, err := s.List(ctx, "segment_1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"segment_1/data", "segment_1/segment_complete"}, names)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	data, err := ReadAll(ctx, s, "segment_1/data")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	b, err := s.Open(ctx, "segment_1/data")
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := b.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))
	require.NoError(t, b.Close())

	require.NoError(t, s.Delete(ctx, "version.1"))
	require.NoError(t, s.Delete(ctx, "version.1"))
	_, err = s.Open(ctx, "version.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore(t *testing.T) {
	storeConformance(t, NewLocalStore(t.TempDir()))
}

func TestMemoryStore(t *testing.T) {
	storeConformance(t, NewMemoryStore())
}

func TestCachingStore(t *testing.T) {
	storeConformance(t, NewCachingStore(NewMemoryStore(), cache.NewLRUBlockCache(1<<20, nil), 4))
}

type countingStore struct {
	BlobStore
	reads int
}

func (c *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := c.BlobStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, store: c}, nil
}

type countingBlob struct {
	Blob
	store *countingStore
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	b.store.reads++
	return b.Blob.ReadAt(ctx, p, off)
}

func TestCachingStore_ServesFromCache(t *testing.T) {
	ctx := t.Context()
	inner := &countingStore{BlobStore: NewMemoryStore()}
	payload := bytes.Repeat([]byte("0123456789"), 10)
	require.NoError(t, inner.Put(ctx, "blob", payload))

	s := NewCachingStore(inner, cache.NewLRUBlockCache(1<<20, nil), 16)
	b, err := s.Open(ctx, "blob")
	require.NoError(t, err)

	buf := make([]byte, 40)
	n, err := b.ReadAt(ctx, buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, payload[10:50], buf)
	assert.Equal(t, 1, inner.reads)

	n, err = b.ReadAt(ctx, buf, 12)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, 1, inner.reads)

	// Tail read past the end.
	n, err = b.ReadAt(ctx, buf, 90)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)

	s.Invalidate("blob")
	_, err = b.ReadAt(ctx, buf[:4], 0)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.reads)
}

package blobstore

import (
	"context"
	"errors"
	"io"

	"github.com/hupe1980/docindex/internal/cache"
)

// DefaultCacheBlockSize is the block size of a CachingStore created with
// blockSize <= 0.
const DefaultCacheBlockSize int64 = 64 << 10

// CachingStore serves reads of a secondary store through a block cache.
// Blobs are immutable once written, so blocks stay valid until the blob
// is overwritten or deleted through the store.
type CachingStore struct {
	inner     BlobStore
	cache     cache.BlockCache
	blockSize int64
}

func NewCachingStore(inner BlobStore, c cache.BlockCache, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = DefaultCacheBlockSize
	}
	return &CachingStore{inner: inner, cache: c, blockSize: blockSize}
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachedBlob{Blob: b, store: s, name: name}, nil
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.Invalidate(name)
	return s.inner.Put(ctx, name, data)
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.Invalidate(name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// Invalidate drops the cached blocks of a blob.
func (s *CachingStore) Invalidate(name string) {
	s.cache.Invalidate(func(key cache.CacheKey) bool {
		return key.Kind == cache.CacheKindBlob && key.Path == name
	})
}

type cachedBlob struct {
	Blob
	store *CachingStore
	name  string
}

func (b *cachedBlob) key(blk int64) cache.CacheKey {
	return cache.CacheKey{Kind: cache.CacheKindBlob, Path: b.name, Offset: uint64(blk)}
}

// ReadAt copies cached blocks and reads every run of missing blocks from
// the inner blob with a single call, caching the blocks it returns.
func (b *cachedBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size := b.Size()
	if off >= size {
		return 0, io.EOF
	}

	bs := b.store.blockSize
	end := min(off+int64(len(p)), size)
	first, last := off/bs, (end-1)/bs

	blocks := make([][]byte, last-first+1)
	for blk := first; blk <= last; {
		if data, ok := b.store.cache.Get(ctx, b.key(blk)); ok {
			blocks[blk-first] = data
			blk++
			continue
		}
		run := blk
		for run <= last {
			if _, ok := b.store.cache.Get(ctx, b.key(run)); ok {
				break
			}
			run++
		}
		if err := b.load(ctx, blk, run, blocks[blk-first:run-first]); err != nil {
			return 0, err
		}
		blk = run
	}

	n := 0
	for i, data := range blocks {
		start := (first + int64(i)) * bs
		from := max(start, off) - start
		if from >= int64(len(data)) {
			break
		}
		to := min(start+int64(len(data)), end) - start
		n += copy(p[start+from-off:], data[from:to])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// load reads blocks [from, to) into dst and caches them.
func (b *cachedBlob) load(ctx context.Context, from, to int64, dst [][]byte) error {
	bs := b.store.blockSize
	start := from * bs
	buf := make([]byte, min((to-from)*bs, b.Size()-start))
	n, err := b.Blob.ReadAt(ctx, buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	buf = buf[:n]
	for i := range dst {
		lo := int64(i) * bs
		if lo >= int64(len(buf)) {
			break
		}
		block := buf[lo:min(lo+bs, int64(len(buf)))]
		dst[i] = block
		b.store.cache.Set(ctx, b.key(from+int64(i)), block)
	}
	return nil
}

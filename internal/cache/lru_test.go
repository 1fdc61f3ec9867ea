package cache

import (
	"testing"

	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(path string, off uint64) CacheKey {
	return CacheKey{Kind: CacheKindBlob, Path: path, Offset: off}
}

func TestLRUBlockCache_Eviction(t *testing.T) {
	ctx := t.Context()
	c := NewLRUBlockCache(10, nil)

	c.Set(ctx, key("a", 0), []byte("1234"))
	c.Set(ctx, key("a", 1), []byte("5678"))
	_, ok := c.Get(ctx, key("a", 0))
	require.True(t, ok)

	// Evicts a/1, the least recently used entry.
	c.Set(ctx, key("b", 0), []byte("abcd"))
	_, ok = c.Get(ctx, key("a", 1))
	assert.False(t, ok)
	assert.Equal(t, int64(8), c.Size())

	c.Set(ctx, key("big", 0), make([]byte, 11))
	_, ok = c.Get(ctx, key("big", 0))
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestLRUBlockCache_ChargesQuota(t *testing.T) {
	ctx := t.Context()
	parent := resource.NewPartitionQuota("resource", 0)
	q := resource.NewBlockQuota(parent, 16)
	c := NewLRUBlockCache(1024, q)

	c.Set(ctx, key("a", 0), make([]byte, 40))
	c.Set(ctx, key("b", 0), make([]byte, 10))
	assert.Equal(t, int64(50), q.Used())
	assert.Equal(t, int64(64), q.Borrowed())

	c.Invalidate(func(k CacheKey) bool { return k.Path == "a" })
	assert.Equal(t, int64(10), q.Used())
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, int64(0), q.Used())
	assert.Equal(t, int64(0), q.Borrowed())
	assert.Equal(t, int64(0), parent.Used())
}

func TestLRUBlockCache_ReplaceKey(t *testing.T) {
	ctx := t.Context()
	c := NewLRUBlockCache(100, nil)

	c.Set(ctx, key("a", 0), []byte("old"))
	c.Set(ctx, key("a", 0), []byte("newer"))

	v, ok := c.Get(ctx, key("a", 0))
	require.True(t, ok)
	assert.Equal(t, "newer", string(v))
	assert.Equal(t, int64(5), c.Size())
}

func TestLRUBlockCache_InvalidateSegment(t *testing.T) {
	ctx := t.Context()
	c := NewLRUBlockCache(100, nil)
	doc := func(seg model.SegmentID, off uint64) CacheKey {
		return CacheKey{Kind: CacheKindDoc, Segment: seg, Offset: off}
	}

	c.Set(ctx, doc(1, 0), []byte("a"))
	c.Set(ctx, doc(1, 1), []byte("b"))
	c.Set(ctx, doc(2, 0), []byte("c"))
	c.Set(ctx, key("seg1", 0), []byte("blob"))

	c.InvalidateSegment(1)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, doc(2, 0))
	assert.True(t, ok)
	_, ok = c.Get(ctx, doc(1, 1))
	assert.False(t, ok)

	// Evicted entries leave the segment index too.
	c.ShrinkTo(0)
	c.InvalidateSegment(2)
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Size())
}

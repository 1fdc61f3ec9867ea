package cache

import (
	"context"

	"github.com/hupe1980/docindex/model"
)

// CacheKind separates the key spaces of blob blocks and documents.
type CacheKind uint8

const (
	CacheKindUnknown CacheKind = iota
	CacheKindBlob              // Generic blob store blocks
	CacheKindDoc               // Decoded document records
)

// CacheKey must be stable for the lifetime of the cached file.
type CacheKey struct {
	Kind    CacheKind
	Segment model.SegmentID
	// Path identifies the source file for blob blocks.
	Path string
	// Offset is a block index or record offset.
	Offset uint64
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(ctx context.Context, key CacheKey) (b []byte, ok bool)
	// Set caches a block. The caller must treat b as immutable afterwards.
	Set(ctx context.Context, key CacheKey, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key CacheKey) bool)
	// InvalidateSegment removes the document entries of a segment.
	InvalidateSegment(id model.SegmentID)
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}

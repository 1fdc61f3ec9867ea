package segment

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/hupe1980/docindex/internal/cache"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/mmap"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/model"
)

// DiskOptions configures a loaded segment.
type DiskOptions struct {
	// Cache holds decoded records. Optional.
	Cache cache.BlockCache
	// Quota is charged with the resident pk map and offsets. Optional.
	Quota *resource.BlockQuota
}

type dataFile interface {
	Bytes() []byte
	Close() error
}

type heapFile []byte

func (h heapFile) Bytes() []byte { return h }
func (heapFile) Close() error    { return nil }

// Disk is an immutable, loaded segment shared by reference between
// partition data snapshots. It starts with one reference.
type Disk struct {
	id   model.SegmentID
	dir  string
	info Info

	pk      map[uint64]model.DocID
	offsets []uint64
	data    dataFile

	cache   cache.BlockCache
	quota   *resource.BlockQuota
	charged int64

	refs      atomic.Int64
	onRelease atomic.Value // func()
}

// Open loads the complete segment in dir.
func Open(fsys fs.FileSystem, dir string, id model.SegmentID, opts DiskOptions) (*Disk, error) {
	ok, err := IsComplete(fsys, dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, dir)
	}

	info, err := LoadInfo(fsys, dir)
	if err != nil {
		return nil, err
	}
	if info.ID != id {
		return nil, fmt.Errorf("segment %s: info holds id %s", id, info.ID)
	}

	pk, err := loadPK(fsys, dir)
	if err != nil {
		return nil, err
	}

	rawOffsets, err := fs.ReadFile(fsys, filepath.Join(dir, OffsetsFile))
	if err != nil {
		return nil, err
	}
	if len(rawOffsets) != (info.DocCount+1)*8 {
		return nil, fmt.Errorf("segment %s: offsets size %d for %d docs", id, len(rawOffsets), info.DocCount)
	}
	offsets := make([]uint64, info.DocCount+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(rawOffsets[i*8:])
	}

	data, err := openData(fsys, filepath.Join(dir, DataFile))
	if err != nil {
		return nil, err
	}
	if uint64(len(data.Bytes())) != offsets[len(offsets)-1] {
		_ = data.Close()
		return nil, fmt.Errorf("segment %s: data size %d, offsets end at %d", id, len(data.Bytes()), offsets[len(offsets)-1])
	}

	d := &Disk{
		id:      id,
		dir:     dir,
		info:    info,
		pk:      pk,
		offsets: offsets,
		data:    data,
		cache:   opts.Cache,
		quota:   opts.Quota,
		charged: int64(len(pk))*48 + int64(len(offsets))*8,
	}
	if d.quota != nil {
		d.quota.Allocate(d.charged)
	}
	d.refs.Store(1)
	return d, nil
}

func openData(fsys fs.FileSystem, path string) (dataFile, error) {
	if _, ok := fsys.(fs.LocalFS); ok {
		return mmap.Open(path, mmap.AccessRandom)
	}
	b, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	return heapFile(b), nil
}

// ID returns the segment id.
func (d *Disk) ID() model.SegmentID { return d.id }

// Dir returns the segment directory.
func (d *Disk) Dir() string { return d.dir }

// Info returns the segment info.
func (d *Disk) Info() Info { return d.info }

// DocCount returns the number of documents, deleted ones included.
func (d *Disk) DocCount() int { return d.info.DocCount }

// MemoryUsage returns the resident bytes charged for the segment.
func (d *Disk) MemoryUsage() int64 { return d.charged }

// Lookup returns the doc id stored for pk.
func (d *Disk) Lookup(pk string) (model.DocID, bool) {
	doc, ok := d.pk[model.HashPK(pk)]
	return doc, ok
}

func (d *Disk) cacheKey(doc model.DocID) cache.CacheKey {
	return cache.CacheKey{Kind: cache.CacheKindDoc, Segment: d.id, Path: d.dir, Offset: uint64(doc)}
}

// Get returns document doc.
func (d *Disk) Get(ctx context.Context, doc model.DocID) (*model.Document, error) {
	if int(doc) >= d.info.DocCount {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, d.id, doc)
	}
	if d.cache != nil {
		if raw, ok := d.cache.Get(ctx, d.cacheKey(doc)); ok {
			return decodeDocument(raw)
		}
	}

	frame := d.data.Bytes()[d.offsets[doc]:d.offsets[doc+1]]
	raw, err := decompressRecord(frame)
	if err != nil {
		return nil, fmt.Errorf("segment %s doc %d: %w", d.id, doc, err)
	}
	if d.cache != nil {
		d.cache.Set(ctx, d.cacheKey(doc), append([]byte(nil), raw...))
	}
	return decodeDocument(raw)
}

// Iterate calls fn for every document in doc id order.
func (d *Disk) Iterate(ctx context.Context, fn func(model.DocID, *model.Document) error) error {
	for i := range d.info.DocCount {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := d.Get(ctx, model.DocID(i))
		if err != nil {
			return err
		}
		if err := fn(model.DocID(i), doc); err != nil {
			return err
		}
	}
	return nil
}

// SetOnRelease registers a callback run after the last reference is
// dropped.
func (d *Disk) SetOnRelease(f func()) {
	d.onRelease.Store(f)
}

// IncRef adds a reference.
func (d *Disk) IncRef() {
	d.refs.Add(1)
}

// TryIncRef adds a reference unless the segment is already released.
func (d *Disk) TryIncRef() bool {
	for {
		refs := d.refs.Load()
		if refs <= 0 {
			return false
		}
		if d.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Refs returns the current reference count.
func (d *Disk) Refs() int64 {
	return d.refs.Load()
}

// DecRef drops a reference. The last one closes the segment, invalidates
// its cache entries and returns its quota.
func (d *Disk) DecRef() {
	if d.refs.Add(-1) != 0 {
		return
	}
	_ = d.data.Close()
	if d.cache != nil {
		d.cache.InvalidateSegment(d.id)
	}
	if d.quota != nil {
		d.quota.Free(d.charged)
	}
	if f, _ := d.onRelease.Load().(func()); f != nil {
		f()
	}
}

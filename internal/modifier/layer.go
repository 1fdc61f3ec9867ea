package modifier

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docindex/codec"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
)

const (
	deletionMapPrefix = "deletionmap_"
	patchPrefix       = "patch_"
)

// Patch is a set of field overwrites for one document.
type Patch map[string]string

func (p Patch) merge(o Patch) Patch {
	out := make(Patch, len(p)+len(o))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Layer is a mutable overlay. It is safe for concurrent use.
type Layer struct {
	mu      sync.RWMutex
	deletes map[model.SegmentID]*roaring.Bitmap
	patches map[model.SegmentID]map[model.DocID]Patch
	memory  int64
}

// NewLayer creates an empty layer.
func NewLayer() *Layer {
	return &Layer{
		deletes: make(map[model.SegmentID]*roaring.Bitmap),
		patches: make(map[model.SegmentID]map[model.DocID]Patch),
	}
}

// Delete marks ref deleted and reports whether it was not deleted before.
// A pending patch for the document is dropped.
func (l *Layer) Delete(ref model.DocRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bm, ok := l.deletes[ref.Segment]
	if !ok {
		bm = roaring.New()
		l.deletes[ref.Segment] = bm
	}
	added := bm.CheckedAdd(uint32(ref.Doc))
	if added {
		l.memory += 8
	}
	if docs, ok := l.patches[ref.Segment]; ok {
		delete(docs, ref.Doc)
	}
	return added
}

// Patch merges fields into the pending patch of ref.
func (l *Layer) Patch(ref model.DocRef, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	docs, ok := l.patches[ref.Segment]
	if !ok {
		docs = make(map[model.DocID]Patch)
		l.patches[ref.Segment] = docs
	}
	docs[ref.Doc] = docs[ref.Doc].merge(fields)
	for k, v := range fields {
		l.memory += int64(len(k) + len(v) + 16)
	}
}

// IsDeleted reports whether the layer deletes ref.
func (l *Layer) IsDeleted(ref model.DocRef) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bm, ok := l.deletes[ref.Segment]
	return ok && bm.Contains(uint32(ref.Doc))
}

// PatchOf returns the pending patch of ref, nil if none.
func (l *Layer) PatchOf(ref model.DocRef) Patch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.patches[ref.Segment][ref.Doc]
}

// Empty reports whether the layer holds no overlay.
func (l *Layer) Empty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, bm := range l.deletes {
		if !bm.IsEmpty() {
			return false
		}
	}
	for _, docs := range l.patches {
		if len(docs) > 0 {
			return false
		}
	}
	return true
}

// Targets returns the segments the layer modifies in ascending order.
func (l *Layer) Targets() []model.SegmentID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[model.SegmentID]struct{})
	for seg := range l.deletes {
		seen[seg] = struct{}{}
	}
	for seg := range l.patches {
		seen[seg] = struct{}{}
	}
	out := make([]model.SegmentID, 0, len(seen))
	for seg := range seen {
		out = append(out, seg)
	}
	slices.Sort(out)
	return out
}

// MemoryUsage estimates the memory held by the layer.
func (l *Layer) MemoryUsage() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.memory
}

// DumpSize estimates the bytes Dump writes.
func (l *Layer) DumpSize() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var size int64
	for _, bm := range l.deletes {
		size += int64(bm.GetSerializedSizeInBytes())
	}
	return size + l.memory
}

func overlayFile(prefix string, seg model.SegmentID) string {
	return prefix + strconv.FormatUint(uint64(seg), 10)
}

// Dump writes one deletion map and one patch file per target segment into
// dir and returns the number of bytes written.
func (l *Layer) Dump(fsys fs.FileSystem, dir string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var written int64
	for seg, bm := range l.deletes {
		if bm.IsEmpty() {
			continue
		}
		c := bm.Clone()
		c.RunOptimize()
		data, err := c.ToBytes()
		if err != nil {
			return written, fmt.Errorf("encode deletion map %s: %w", seg, err)
		}
		if err := fs.WriteFile(fsys, filepath.Join(dir, overlayFile(deletionMapPrefix, seg)), data); err != nil {
			return written, err
		}
		written += int64(len(data))
	}
	for seg, docs := range l.patches {
		if len(docs) == 0 {
			continue
		}
		data, err := codec.Encode(docs)
		if err != nil {
			return written, fmt.Errorf("encode patch %s: %w", seg, err)
		}
		if err := fs.WriteFile(fsys, filepath.Join(dir, overlayFile(patchPrefix, seg)), data); err != nil {
			return written, err
		}
		written += int64(len(data))
	}
	return written, nil
}

// Load reads the overlay files of a segment directory into a new layer.
// Only files whose target passes keep are loaded.
func Load(fsys fs.FileSystem, dir string, keep func(target model.SegmentID) bool) (*Layer, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	l := NewLayer()
	for _, e := range entries {
		name := e.Name()
		var prefix string
		switch {
		case strings.HasPrefix(name, deletionMapPrefix):
			prefix = deletionMapPrefix
		case strings.HasPrefix(name, patchPrefix):
			prefix = patchPrefix
		default:
			continue
		}
		raw, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
		if err != nil {
			continue
		}
		target := model.SegmentID(raw)
		if keep != nil && !keep(target) {
			continue
		}

		data, err := fs.ReadFile(fsys, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prefix == deletionMapPrefix {
			bm := roaring.New()
			if err := bm.UnmarshalBinary(data); err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			l.deletes[target] = bm
			l.memory += int64(bm.GetSizeInBytes())
			continue
		}
		docs, err := codec.Decode[map[model.DocID]Patch](name, data)
		if err != nil {
			return nil, err
		}
		l.patches[target] = docs
		l.memory += int64(len(data))
	}
	return l, nil
}

// Size returns the number of bytes Load would read for dir, for admission
// estimates.
func Size(fsys fs.FileSystem, dir string, keep func(target model.SegmentID) bool) (int64, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		name := e.Name()
		rest, ok := strings.CutPrefix(name, deletionMapPrefix)
		if !ok {
			if rest, ok = strings.CutPrefix(name, patchPrefix); !ok {
				continue
			}
		}
		raw, err := strconv.ParseUint(rest, 10, 32)
		if err != nil || keep != nil && !keep(model.SegmentID(raw)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

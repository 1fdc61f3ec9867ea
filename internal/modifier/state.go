package modifier

import (
	"maps"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docindex/model"
)

// State is the committed overlay visible to readers. A State is never
// mutated after it is published; every change produces a new State that
// shares untouched segments with its parent.
type State struct {
	deletes map[model.SegmentID]*roaring.Bitmap
	patches map[model.SegmentID]map[model.DocID]Patch
}

// Empty is the state without any overlay.
var Empty = &State{}

// IsDeleted reports whether ref is deleted.
func (s *State) IsDeleted(ref model.DocRef) bool {
	if s == nil {
		return false
	}
	bm, ok := s.deletes[ref.Segment]
	return ok && bm.Contains(uint32(ref.Doc))
}

// PatchOf returns the committed patch of ref, nil if none.
func (s *State) PatchOf(ref model.DocRef) Patch {
	if s == nil {
		return nil
	}
	return s.patches[ref.Segment][ref.Doc]
}

// DeletedCount returns the number of deleted documents of seg.
func (s *State) DeletedCount(seg model.SegmentID) uint64 {
	if s == nil {
		return 0
	}
	if bm, ok := s.deletes[seg]; ok {
		return bm.GetCardinality()
	}
	return 0
}

// Deletions returns a copy of the deletion bitmap of seg.
func (s *State) Deletions(seg model.SegmentID) *roaring.Bitmap {
	if s != nil {
		if bm, ok := s.deletes[seg]; ok {
			return bm.Clone()
		}
	}
	return roaring.New()
}

// Segments returns the segments carrying an overlay in ascending order.
func (s *State) Segments() []model.SegmentID {
	if s == nil {
		return nil
	}
	seen := make(map[model.SegmentID]struct{}, len(s.deletes)+len(s.patches))
	for seg := range s.deletes {
		seen[seg] = struct{}{}
	}
	for seg := range s.patches {
		seen[seg] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

func (s *State) clone() *State {
	if s == nil {
		return &State{
			deletes: make(map[model.SegmentID]*roaring.Bitmap),
			patches: make(map[model.SegmentID]map[model.DocID]Patch),
		}
	}
	return &State{
		deletes: maps.Clone(s.deletes),
		patches: maps.Clone(s.patches),
	}
}

func (s *State) normalize() {
	if s.deletes == nil {
		s.deletes = make(map[model.SegmentID]*roaring.Bitmap)
	}
	if s.patches == nil {
		s.patches = make(map[model.SegmentID]map[model.DocID]Patch)
	}
}

// Apply returns a new state with the overlays of l applied on top of s.
// Deletes drop the committed patch of the deleted document.
func (s *State) Apply(l *Layer) *State {
	if l == nil {
		return s
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := s.clone()
	out.normalize()
	for seg, bm := range l.deletes {
		if bm.IsEmpty() {
			continue
		}
		if cur, ok := out.deletes[seg]; ok {
			out.deletes[seg] = roaring.Or(cur, bm)
		} else {
			out.deletes[seg] = bm.Clone()
		}
		if docs, ok := out.patches[seg]; ok {
			kept := make(map[model.DocID]Patch, len(docs))
			for doc, p := range docs {
				if !bm.Contains(uint32(doc)) {
					kept[doc] = p
				}
			}
			out.patches[seg] = kept
		}
	}
	for seg, docs := range l.patches {
		if len(docs) == 0 {
			continue
		}
		merged := maps.Clone(out.patches[seg])
		if merged == nil {
			merged = make(map[model.DocID]Patch, len(docs))
		}
		for doc, p := range docs {
			merged[doc] = merged[doc].merge(p)
		}
		out.patches[seg] = merged
	}
	return out
}

// Restrict returns a state holding only the segments accepted by keep.
func (s *State) Restrict(keep func(model.SegmentID) bool) *State {
	out := &State{}
	out.normalize()
	if s == nil {
		return out
	}
	for seg, bm := range s.deletes {
		if keep(seg) {
			out.deletes[seg] = bm
		}
	}
	for seg, docs := range s.patches {
		if keep(seg) {
			out.patches[seg] = docs
		}
	}
	return out
}

// Take returns a new state where the overlays of the segments accepted
// by keep are replaced by those of other.
func (s *State) Take(other *State, keep func(model.SegmentID) bool) *State {
	out := s.Restrict(func(seg model.SegmentID) bool { return !keep(seg) })
	if other == nil {
		return out
	}
	for seg, bm := range other.deletes {
		if keep(seg) {
			out.deletes[seg] = bm
		}
	}
	for seg, docs := range other.patches {
		if keep(seg) {
			out.patches[seg] = docs
		}
	}
	return out
}

// MergeDeletions returns a new state where the deletion bitmaps of the
// given segments are the union of s and other. Committed patches of s are
// kept; documents deleted by other lose their patch.
func (s *State) MergeDeletions(other *State, segs []model.SegmentID) *State {
	if other == nil || len(segs) == 0 {
		return s
	}
	out := s.clone()
	out.normalize()
	for _, seg := range segs {
		bm, ok := other.deletes[seg]
		if !ok || bm.IsEmpty() {
			continue
		}
		if cur, ok := out.deletes[seg]; ok {
			out.deletes[seg] = roaring.Or(cur, bm)
		} else {
			out.deletes[seg] = bm.Clone()
		}
		if docs, ok := out.patches[seg]; ok {
			kept := make(map[model.DocID]Patch, len(docs))
			for doc, p := range docs {
				if !bm.Contains(uint32(doc)) {
					kept[doc] = p
				}
			}
			out.patches[seg] = kept
		}
	}
	return out
}

// MemoryUsage estimates the memory held by the state.
func (s *State) MemoryUsage() int64 {
	if s == nil {
		return 0
	}
	var size int64
	for _, bm := range s.deletes {
		size += int64(bm.GetSizeInBytes())
	}
	for _, docs := range s.patches {
		for _, p := range docs {
			for k, v := range p {
				size += int64(len(k) + len(v) + 16)
			}
		}
	}
	return size
}

// View combines a committed state with pending layers, newest last.
type View struct {
	State  *State
	Layers []*Layer
}

// IsDeleted reports whether ref is deleted by the state or any layer.
func (v View) IsDeleted(ref model.DocRef) bool {
	if v.State.IsDeleted(ref) {
		return true
	}
	for _, l := range v.Layers {
		if l.IsDeleted(ref) {
			return true
		}
	}
	return false
}

// PatchOf returns the merged patch of ref across state and layers.
func (v View) PatchOf(ref model.DocRef) Patch {
	p := v.State.PatchOf(ref)
	for _, l := range v.Layers {
		if lp := l.PatchOf(ref); lp != nil {
			p = p.merge(lp)
		}
	}
	return p
}

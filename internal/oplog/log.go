package oplog

import (
	"cmp"
	"slices"
	"sync"

	"github.com/hupe1980/docindex/model"
)

// Cursor is a position in a Log: the next record to read is Offset in
// segment Segment. The zero cursor points before every realtime segment.
type Cursor struct {
	Segment model.SegmentID
	Offset  int
}

// Less reports whether c is before o.
func (c Cursor) Less(o Cursor) bool {
	if c.Segment != o.Segment {
		return c.Segment < o.Segment
	}
	return c.Offset < o.Offset
}

// Log is the ordered set of retained operation log segments.
type Log struct {
	mu       sync.RWMutex
	segments []*Segment
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Add registers seg. Segments are kept ordered by id; adding an id twice
// replaces the previous segment.
func (l *Log) Add(seg *Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, found := slices.BinarySearchFunc(l.segments, seg.ID(), func(s *Segment, id model.SegmentID) int {
		return cmp.Compare(s.ID(), id)
	})
	if found {
		l.segments[i] = seg
		return
	}
	l.segments = slices.Insert(l.segments, i, seg)
}

// Segments returns the retained segments in id order.
func (l *Log) Segments() []*Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.segments)
}

// Get returns the segment with id, nil if it is not retained.
func (l *Log) Get(id model.SegmentID) *Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.segments {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// Reclaim releases and drops every segment keep rejects. It returns the
// dropped ids.
func (l *Log) Reclaim(keep func(*Segment) bool) []model.SegmentID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var dropped []model.SegmentID
	kept := l.segments[:0]
	for _, s := range l.segments {
		if keep(s) {
			kept = append(kept, s)
			continue
		}
		s.Release()
		dropped = append(dropped, s.ID())
	}
	clear(l.segments[len(kept):])
	l.segments = kept
	return dropped
}

// End returns the cursor after the last record currently in the log.
func (l *Log) End() Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segments) == 0 {
		return Cursor{}
	}
	last := l.segments[len(l.segments)-1]
	return Cursor{Segment: last.ID(), Offset: last.Len()}
}

// Count returns the number of records after from.
func (l *Log) Count(from Cursor) int {
	n := 0
	for _, s := range l.Segments() {
		switch {
		case s.ID() < from.Segment:
		case s.ID() == from.Segment:
			n += max(s.Len()-from.Offset, 0)
		default:
			n += s.Len()
		}
	}
	return n
}

// MemoryUsage returns the bytes held by all retained segments.
func (l *Log) MemoryUsage() int64 {
	var n int64
	for _, s := range l.Segments() {
		n += s.MemoryUsage()
	}
	return n
}

// Iterate calls fn for every record after from, in log order, and returns
// the cursor after the last visited record. Records appended concurrently
// may or may not be visited. Iteration stops at the first error.
func (l *Log) Iterate(from Cursor, fn func(Cursor, Record) error) (Cursor, error) {
	cur := from
	for _, s := range l.Segments() {
		if s.ID() < from.Segment {
			continue
		}
		start := 0
		if s.ID() == from.Segment {
			start = from.Offset
		}
		cur = Cursor{Segment: s.ID(), Offset: start}
		for _, r := range s.recordsFrom(start) {
			if err := fn(cur, r); err != nil {
				return cur, err
			}
			cur.Offset++
		}
	}
	return cur, nil
}

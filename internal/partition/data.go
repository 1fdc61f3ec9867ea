package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/hupe1980/docindex/internal/modifier"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/model"
)

var (
	// ErrDeleted is returned when reading a deleted document.
	ErrDeleted = errors.New("document deleted")
	// ErrUnknownSegment is returned for references to segments the data
	// does not hold.
	ErrUnknownSegment = errors.New("segment not in partition data")
)

// Pending is a sealed or building segment together with the modifier
// layer collected while it was building.
type Pending struct {
	Segment *segment.Building
	Layer   *modifier.Layer
}

// Data is one snapshot of a partition: the incremental and realtime
// versions with their loaded segments, the committed modifier state, and
// on the writer side the segments not yet dumped.
//
// Data is immutable. Changes derive a new Data; every Data holds its own
// reference on each disk segment and must be released.
type Data struct {
	schema   model.Schema
	inc      *version.Version
	rt       *version.Version
	disks    []*segment.Disk
	state    *modifier.State
	sealed   []Pending
	active   Pending
	released atomic.Bool
}

// New creates data over the given disk segments, taking an additional
// reference on each. disks lists incremental segments in version order
// followed by realtime segments.
func New(schema model.Schema, inc, rt *version.Version, disks []*segment.Disk, state *modifier.State) *Data {
	if inc == nil {
		inc = version.New(schema.ID)
	}
	if rt == nil {
		rt = version.New(schema.ID)
	}
	if state == nil {
		state = modifier.Empty
	}
	d := &Data{
		schema: schema,
		inc:    inc,
		rt:     rt,
		disks:  slices.Clone(disks),
		state:  state,
	}
	for _, s := range d.disks {
		s.IncRef()
	}
	return d
}

func (d *Data) derive() *Data {
	c := New(d.schema, d.inc, d.rt, d.disks, d.state)
	c.sealed = slices.Clone(d.sealed)
	c.active = d.active
	return c
}

// Schema returns the partition schema.
func (d *Data) Schema() model.Schema { return d.schema }

// IncVersion returns the loaded incremental version.
func (d *Data) IncVersion() *version.Version { return d.inc }

// RtVersion returns the realtime (or, offline, the locally built) version.
func (d *Data) RtVersion() *version.Version { return d.rt }

// ReaderVersion returns the versions a reader of d is bound to.
func (d *Data) ReaderVersion() model.ReaderVersion {
	return model.ReaderVersion{Inc: d.inc.ID, Rt: d.rt.ID}
}

// Disks returns the loaded segments.
func (d *Data) Disks() []*segment.Disk { return slices.Clone(d.disks) }

// State returns the committed modifier state.
func (d *Data) State() *modifier.State { return d.state }

// Sealed returns the segments being dumped, oldest first.
func (d *Data) Sealed() []Pending { return slices.Clone(d.sealed) }

// Active returns the building segment and its layer. Both are nil when
// no segment is building.
func (d *Data) Active() Pending { return d.active }

// View returns the committed state combined with the pending layers.
func (d *Data) View() modifier.View {
	v := modifier.View{State: d.state}
	for _, p := range d.sealed {
		v.Layers = append(v.Layers, p.Layer)
	}
	if d.active.Layer != nil {
		v.Layers = append(v.Layers, d.active.Layer)
	}
	return v
}

// Disk returns the loaded segment id.
func (d *Data) Disk(id model.SegmentID) *segment.Disk {
	for _, s := range d.disks {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// Contains reports whether d holds segment id in any form.
func (d *Data) Contains(id model.SegmentID) bool {
	return d.building(id) != nil || d.Disk(id) != nil
}

func (d *Data) building(id model.SegmentID) *segment.Building {
	if d.active.Segment != nil && d.active.Segment.ID() == id {
		return d.active.Segment
	}
	for _, p := range d.sealed {
		if p.Segment.ID() == id {
			return p.Segment
		}
	}
	return nil
}

// Clone returns the reader view of d: loaded segments and committed state
// only.
func (d *Data) Clone() *Data {
	return New(d.schema, d.inc.Clone(), d.rt.Clone(), d.disks, d.state)
}

// WithActive returns a copy of d with b building and collecting overlays
// into l.
func (d *Data) WithActive(b *segment.Building, l *modifier.Layer) *Data {
	c := d.derive()
	c.active = Pending{Segment: b, Layer: l}
	return c
}

// Seal returns a copy of d with the building segment moved to the sealed
// list, and the moved entry.
func (d *Data) Seal() (*Data, Pending) {
	c := d.derive()
	p := c.active
	if p.Segment != nil {
		c.sealed = append(c.sealed, p)
	}
	c.active = Pending{}
	return c, p
}

// CommitDump returns a copy of d where the sealed segment id is replaced
// by the loaded disk, its layer is committed and inc and rt become the
// loaded versions.
func (d *Data) CommitDump(id model.SegmentID, disk *segment.Disk, inc, rt *version.Version) (*Data, error) {
	idx := slices.IndexFunc(d.sealed, func(p Pending) bool { return p.Segment.ID() == id })
	if idx < 0 {
		return nil, fmt.Errorf("%w: sealed %s", ErrUnknownSegment, id)
	}
	layer := d.sealed[idx].Layer

	c := d.derive()
	c.sealed = slices.Delete(c.sealed, idx, idx+1)
	c.state = c.state.Apply(layer)
	c.inc, c.rt = inc, rt
	c.disks = append(c.disks, disk)
	disk.IncRef()
	return c, nil
}

// WithState returns a copy of d carrying state.
func (d *Data) WithState(s *modifier.State) *Data {
	c := d.derive()
	c.state = s
	return c
}

// Attach returns a copy of d carrying the sealed and building segments of
// from.
func (d *Data) Attach(from *Data) *Data {
	c := d.derive()
	c.sealed = slices.Clone(from.sealed)
	c.active = from.active
	return c
}

// Release drops the references d holds. It is idempotent.
func (d *Data) Release() {
	if d == nil || !d.released.CompareAndSwap(false, true) {
		return
	}
	for _, s := range d.disks {
		s.DecRef()
	}
}

// Lookup returns the newest live document for pk, searching building,
// sealed and loaded segments from newest to oldest.
func (d *Data) Lookup(pk string) (model.DocRef, bool) {
	view := d.View()
	if b := d.active.Segment; b != nil {
		if ref, ok := lookupIn(view, b.ID(), b.Lookup, pk); ok {
			return ref, true
		}
	}
	for i := len(d.sealed) - 1; i >= 0; i-- {
		b := d.sealed[i].Segment
		if ref, ok := lookupIn(view, b.ID(), b.Lookup, pk); ok {
			return ref, true
		}
	}
	for i := len(d.disks) - 1; i >= 0; i-- {
		s := d.disks[i]
		if ref, ok := lookupIn(view, s.ID(), s.Lookup, pk); ok {
			return ref, true
		}
	}
	return model.DocRef{}, false
}

// LookupIncremental returns the newest document for pk in incremental
// segments accepted by keep. Deleted documents are skipped using view.
func (d *Data) LookupIncremental(view modifier.View, pk string, keep func(model.SegmentID) bool) (model.DocRef, bool) {
	for i := len(d.disks) - 1; i >= 0; i-- {
		s := d.disks[i]
		if s.ID().IsRealtime() || keep != nil && !keep(s.ID()) {
			continue
		}
		if ref, ok := lookupIn(view, s.ID(), s.Lookup, pk); ok {
			return ref, true
		}
	}
	return model.DocRef{}, false
}

func lookupIn(view modifier.View, seg model.SegmentID, fn func(string) (model.DocID, bool), pk string) (model.DocRef, bool) {
	doc, ok := fn(pk)
	if !ok {
		return model.DocRef{}, false
	}
	ref := model.DocRef{Segment: seg, Doc: doc}
	if view.IsDeleted(ref) {
		return model.DocRef{}, false
	}
	return ref, true
}

// Get returns the document at ref with committed and pending patches
// applied.
func (d *Data) Get(ctx context.Context, ref model.DocRef) (*model.Document, error) {
	view := d.View()
	if view.IsDeleted(ref) {
		return nil, fmt.Errorf("%w: %s/%d", ErrDeleted, ref.Segment, ref.Doc)
	}
	var (
		doc *model.Document
		err error
	)
	if s := d.Disk(ref.Segment); s != nil {
		doc, err = s.Get(ctx, ref.Doc)
	} else if b := d.building(ref.Segment); b != nil {
		doc, err = b.Get(ref.Doc)
	} else {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, ref.Segment)
	}
	if err != nil {
		return nil, err
	}
	doc.ApplyPatch(view.PatchOf(ref))
	return doc, nil
}

// Count returns the number of live documents in loaded segments.
func (d *Data) Count() int {
	n := 0
	for _, s := range d.disks {
		n += s.DocCount() - int(d.state.DeletedCount(s.ID()))
	}
	return n
}

// Iterate calls fn for every live document of the loaded segments.
func (d *Data) Iterate(ctx context.Context, fn func(model.DocRef, *model.Document) error) error {
	for _, s := range d.disks {
		err := s.Iterate(ctx, func(doc model.DocID, m *model.Document) error {
			ref := model.DocRef{Segment: s.ID(), Doc: doc}
			if d.state.IsDeleted(ref) {
				return nil
			}
			m.ApplyPatch(d.state.PatchOf(ref))
			return fn(ref, m)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MemoryUsage returns the resident bytes of loaded segments and state.
func (d *Data) MemoryUsage() int64 {
	n := d.state.MemoryUsage()
	for _, s := range d.disks {
		n += s.MemoryUsage()
	}
	return n
}

// String describes the data for logs.
func (d *Data) String() string {
	return fmt.Sprintf("inc=%d rt=%d disks=%d sealed=%d building=%t", d.inc.ID, d.rt.ID, len(d.disks), len(d.sealed), d.active.Segment != nil)
}

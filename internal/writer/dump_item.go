package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/modifier"
	"github.com/hupe1980/docindex/internal/oplog"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/model"
)

// reservation is quota secured before a dump started.
type reservation struct {
	files  int64
	memory int64
}

// DumpItem owns a sealed segment until it is committed. The writer keeps
// a read-only reference for lookups but never mutates the segment again.
type DumpItem struct {
	id      string
	w       *Writer
	segment *segment.Building
	layer   *modifier.Layer
	log     *oplog.Segment

	estimatedDumpSize int64
	reserved          reservation

	// written is set once the completion marker exists.
	written  bool
	released bool
}

func newDumpItem(w *Writer, b *segment.Building, layer *modifier.Layer, log *oplog.Segment, res reservation) *DumpItem {
	it := &DumpItem{
		id:       uuid.NewString(),
		w:        w,
		segment:  b,
		layer:    layer,
		log:      log,
		reserved: res,
	}
	it.estimatedDumpSize = b.EstimateDumpFileSize() + layer.DumpSize()
	if log != nil {
		it.estimatedDumpSize += log.DumpSize()
	}
	return it
}

// ID returns the unique id of the item.
func (it *DumpItem) ID() string { return it.id }

// SegmentID returns the id of the dumped segment.
func (it *DumpItem) SegmentID() model.SegmentID { return it.segment.ID() }

// EstimatedDumpSize returns the bytes the dump is expected to write.
func (it *DumpItem) EstimatedDumpSize() int64 { return it.estimatedDumpSize }

// Dump writes the segment directory and commits a new version that
// references it. It may be called again after a failure; files already
// completed by an earlier attempt are not rewritten.
func (it *DumpItem) Dump(ctx context.Context) error {
	start := time.Now()
	err := it.dump(ctx)
	if err == nil {
		err = it.w.commitDump(ctx, it)
	}
	it.w.opts.Metrics.OnDump(time.Since(start), it.segment.DocCount(), it.estimatedDumpSize, err)
	return err
}

func (it *DumpItem) dump(ctx context.Context) error {
	if it.written {
		return nil
	}
	w := it.w
	id := it.segment.ID()
	logger := w.opts.Logger.With("item", it.id, "segment", id)

	w.cleanResource()

	if err := w.table.Transition(id, segment.StateDumping); err != nil {
		return err
	}
	memBefore := it.segment.EstimateMemory()

	for _, doc := range it.segment.Superseded() {
		it.layer.Delete(model.DocRef{Segment: id, Doc: doc})
	}

	if err := w.rc.AcquireIO(ctx, int(it.estimatedDumpSize)); err != nil {
		return err
	}

	dir := w.layout.SegmentDir(id)
	if err := segment.MakeDir(w.fsys, dir); err != nil {
		return fmt.Errorf("create segment dir %s: %w", id, err)
	}
	if err := it.segment.DumpIndexers(ctx, w.fsys, dir, w.opts.DumpThreadCount); err != nil {
		return err
	}
	if _, err := it.layer.Dump(w.fsys, dir); err != nil {
		return fmt.Errorf("dump modifier of %s: %w", id, err)
	}
	if it.log != nil {
		if _, err := it.log.Dump(w.fsys, dir); err != nil {
			return err
		}
	}

	info := it.segment.Info()
	if err := segment.StoreInfo(w.fsys, dir, info); err != nil {
		return fmt.Errorf("store info of %s: %w", id, err)
	}
	if err := fs.SyncDir(w.fsys, dir); err != nil {
		return err
	}

	if memAfter := it.segment.EstimateMemory(); memAfter != memBefore {
		logger.Warn("segment memory changed during dump", "before", memBefore, "after", memAfter)
	}

	if err := segment.WriteMarker(w.fsys, dir); err != nil {
		return fmt.Errorf("write completion marker of %s: %w", id, err)
	}
	it.written = true

	logger.Debug("segment written", "docs", info.DocCount, "estimated_bytes", it.estimatedDumpSize)
	return nil
}

// release returns the segment memory and the reservation.
func (it *DumpItem) release() {
	if it.released {
		return
	}
	it.released = true
	it.segment.Release()
	if it.reserved.files > 0 {
		it.w.fsQuota.Free(it.reserved.files)
	}
	if it.reserved.memory > 0 {
		it.w.segQuota.Free(it.reserved.memory)
	}
	it.w.fsQuota.ShrinkToFit()
}

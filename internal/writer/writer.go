package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docindex/catalog"
	"github.com/hupe1980/docindex/internal/cache"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/modifier"
	"github.com/hupe1980/docindex/internal/oplog"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/model"
	"go.uber.org/multierr"
)

// Config holds the collaborators of a Writer.
type Config struct {
	FS        fs.FileSystem
	Layout    partition.Layout
	Schema    model.Schema
	Resources *resource.Controller
	// Cache is shrunk before dumps. Optional.
	Cache *cache.LRUBlockCache
	// DiskQuota is charged by segments opened after a dump. Optional.
	DiskQuota *resource.BlockQuota
	// Log receives the operation log segments of an online writer.
	Log *oplog.Log
	// LogQuota is charged by operation log records. Optional.
	LogQuota *resource.BlockQuota
	// Catalog publishes the versions of an offline writer. Optional.
	Catalog catalog.Catalog
	Retry   fs.RetryPolicy
	// Data is the initial partition data. The writer takes ownership.
	Data *partition.Data
	// FirstSegmentID is a lower bound for new segment ids.
	FirstSegmentID model.SegmentID
	// Flushed is the locator already known to be durable.
	Flushed model.Locator
	// Publish is called with every new committed data while the writer
	// lock is held. It must not call back into the writer.
	Publish func(*partition.Data)
}

// Writer appends documents to the building segment and dumps sealed
// segments through a Pipeline.
type Writer struct {
	opts      Options
	fsys      fs.FileSystem
	layout    partition.Layout
	schema    model.Schema
	rc        *resource.Controller
	cache     *cache.LRUBlockCache
	diskQuota *resource.BlockQuota
	logQuota  *resource.BlockQuota
	segQuota  *resource.BlockQuota
	fsQuota   *resource.BlockQuota
	log       *oplog.Log
	catalog   catalog.Catalog
	retry     fs.RetryPolicy
	publish   func(*partition.Data)

	table    *segment.Table
	pipeline *Pipeline
	tracker  *FlushTracker

	mu        sync.Mutex
	data      atomic.Pointer[partition.Data]
	activeLog *oplog.Segment
	nextID    model.SegmentID
	closed    bool
}

// New creates a writer over cfg.Data.
func New(cfg Config, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	if cfg.Data == nil {
		return nil, fmt.Errorf("writer: no partition data")
	}
	if opts.Online && cfg.Log == nil {
		cfg.Log = oplog.NewLog()
	}
	w := &Writer{
		opts:      opts,
		fsys:      fs.Or(cfg.FS),
		layout:    cfg.Layout,
		schema:    cfg.Schema,
		rc:        cfg.Resources,
		cache:     cfg.Cache,
		diskQuota: cfg.DiskQuota,
		logQuota:  cfg.LogQuota,
		segQuota:  cfg.Resources.NewBuildBlock(),
		fsQuota:   cfg.Resources.NewResourceBlock(),
		log:       cfg.Log,
		catalog:   cfg.Catalog,
		retry:     cfg.Retry,
		publish:   cfg.Publish,
		table:     segment.NewTable(),
	}

	chain := cfg.Data.IncVersion()
	if opts.Online {
		chain = cfg.Data.RtVersion()
	}
	dirs, err := segment.ListDirs(w.fsys, cfg.Layout.VersionDir(opts.Online))
	if err != nil {
		return nil, fmt.Errorf("writer: list segments: %w", err)
	}
	w.nextID = nextSegmentID(opts.Online, chain, dirs, cfg.FirstSegmentID)

	w.pipeline = NewPipeline(PipelineOptions{
		Async:         opts.AsyncDump,
		Resources:     cfg.Resources,
		RetryInterval: opts.DumpRetryInterval,
		MaxRetries:    opts.DumpMaxRetries,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	w.tracker = NewFlushTracker(w.fsys, cfg.Retry, cfg.Flushed, opts.Logger)
	w.data.Store(cfg.Data)

	opts.Logger.Debug("writer created", "online", opts.Online, "next_segment", w.nextID, "data", cfg.Data.String())
	return w, nil
}

// nextSegmentID returns the first id above every id used on the chain.
func nextSegmentID(realtime bool, v *version.Version, dirs []model.SegmentID, floor model.SegmentID) model.SegmentID {
	next := model.SegmentID(0)
	if realtime {
		next = model.RealtimeSegmentMask
	}
	bump := func(id model.SegmentID) {
		if id != model.InvalidSegmentID && id.IsRealtime() == realtime && id >= next {
			next = id + 1
		}
	}
	for _, id := range v.Segments {
		bump(id)
	}
	if v.LastSegmentID != 0 {
		bump(v.LastSegmentID)
	}
	for _, id := range dirs {
		bump(id)
	}
	if floor.IsRealtime() == realtime && floor > next {
		next = floor
	}
	return next
}

func (w *Writer) blockCache() cache.BlockCache {
	if w.cache == nil {
		return nil
	}
	return w.cache
}

// swap installs nd as the writer's data and releases the previous one.
// w.mu must be held.
func (w *Writer) swap(nd *partition.Data) {
	if old := w.data.Swap(nd); old != nil && old != nd {
		old.Release()
	}
}

func (w *Writer) publishLocked(nd *partition.Data) {
	if w.publish != nil {
		w.publish(nd)
	}
}

// ensureBuilding starts a new building segment if none is active.
// w.mu must be held.
func (w *Writer) ensureBuilding() (*partition.Data, error) {
	cur := w.data.Load()
	if cur.Active().Segment != nil {
		return cur, nil
	}
	id := w.nextID
	if err := w.table.Register(id); err != nil {
		return nil, err
	}
	w.nextID++

	b := segment.NewBuilding(id, w.segQuota, segment.BuildOptions{
		Schema:        w.schema,
		Compression:   w.opts.Compression,
		DeferredDedup: w.opts.DedupMode == DedupDeferred,
		MaxPKs:        w.opts.MaxPKs,
		Factories:     w.opts.Factories,
	})
	if w.opts.Online {
		w.activeLog = oplog.NewSegment(id, w.logQuota)
		w.log.Add(w.activeLog)
	}
	nd := cur.WithActive(b, modifier.NewLayer())
	w.swap(nd)
	w.opts.Logger.Debug("building segment started", "segment", id)
	return nd, nil
}

// BuildDocument applies one operation. Rejected operations return a
// *BuildError.
func (w *Writer) BuildDocument(d *model.Document) (err error) {
	if d == nil {
		return &BuildError{Err: ErrInvalidDocument}
	}
	defer func() { w.opts.Metrics.OnBuild(d.Kind, err) }()

	if !d.Kind.Valid() || d.Kind != model.OpSkip && d.PK == "" {
		return buildError(d, ErrInvalidDocument)
	}
	if d.Kind == model.OpSkip {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return buildError(d, ErrClosed)
	}

	cur, err := w.ensureBuilding()
	if err != nil {
		return buildError(d, err)
	}
	active := cur.Active()
	prev, found := cur.Lookup(d.PK)

	kind := d.Kind
	if kind == model.OpAdd && found && w.opts.RewriteAddToUpdate &&
		w.opts.DedupMode == DedupInOrder && w.opts.updatesSupported() {
		kind = model.OpUpdate
	}

	switch kind {
	case model.OpAdd:
		err = w.add(active, d, prev, found)
	case model.OpUpdate:
		err = w.update(active, d, prev, found)
	case model.OpDelete:
		err = w.remove(active, d, prev, found)
	}
	if err != nil {
		return buildError(d, err)
	}
	return nil
}

func (w *Writer) add(active partition.Pending, d *model.Document, prev model.DocRef, found bool) error {
	b := active.Segment
	if found && (w.opts.DedupMode == DedupInOrder || prev.Segment != b.ID()) {
		active.Layer.Delete(prev)
	}
	doc, err := b.Add(d)
	if err != nil {
		return err
	}
	return w.appendLog(model.OpAdd, d, model.DocRef{Segment: b.ID(), Doc: doc})
}

func (w *Writer) update(active partition.Pending, d *model.Document, prev model.DocRef, found bool) error {
	if !w.opts.updatesSupported() {
		return ErrUpdateUnsupported
	}
	if !found {
		return ErrDocumentNotFound
	}
	active.Layer.Patch(prev, d.Fields)
	active.Segment.Observe(d.Timestamp, d.Locator)
	return w.appendLog(model.OpUpdate, d, prev)
}

func (w *Writer) remove(active partition.Pending, d *model.Document, prev model.DocRef, found bool) error {
	ref := model.DocRef{Segment: model.InvalidSegmentID}
	if found {
		active.Layer.Delete(prev)
		ref = prev
	}
	active.Segment.Observe(d.Timestamp, d.Locator)
	return w.appendLog(model.OpDelete, d, ref)
}

func (w *Writer) appendLog(kind model.OpKind, d *model.Document, ref model.DocRef) error {
	if w.activeLog == nil {
		return nil
	}
	return w.activeLog.Append(oplog.Record{
		Kind:      kind,
		PK:        d.PK,
		Timestamp: d.Timestamp,
		Ref:       ref,
		Locator:   d.Locator,
		Fields:    d.Fields,
	})
}

// pendingEmpty reports whether nothing was built since the last dump.
// w.mu must be held.
func (w *Writer) pendingEmpty(p partition.Pending) bool {
	if p.Segment == nil {
		return true
	}
	return p.Segment.Empty() && p.Layer.Empty() && (w.activeLog == nil || w.activeLog.Len() == 0)
}

// buildingMemory returns the memory of the building segment, its layer
// and its operation log. w.mu must be held.
func (w *Writer) buildingMemory(p partition.Pending) int64 {
	if p.Segment == nil {
		return 0
	}
	n := p.Segment.EstimateMemory() + p.Layer.MemoryUsage()
	if w.activeLog != nil {
		n += w.activeLog.MemoryUsage()
	}
	return n
}

// resourceMemory returns the file-system backed memory in use.
func (w *Writer) resourceMemory() int64 {
	return w.rc.ResourceQuota().Used()
}

// NeedDump reports whether the building segment should be dumped given
// a memory quota in bytes.
func (w *Writer) NeedDump(quota int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	active := w.data.Load().Active()
	b := active.Segment
	if b != nil && w.opts.MaxDocCount > 0 && b.DocCount() >= w.opts.MaxDocCount {
		return true, nil
	}
	if b != nil && b.IsFull() {
		w.cleanResource()
		return true, nil
	}

	empty := w.pendingEmpty(active)
	estimate := w.buildingMemory(active)
	if w.opts.Online {
		return !empty && estimate >= quota, nil
	}

	res := w.resourceMemory()
	if empty {
		if res > quota {
			return false, fmt.Errorf("%w: resource memory %d, quota %d", ErrOutOfMemory, res, quota)
		}
		return false, nil
	}
	return float64(estimate) >= float64(quota)*w.opts.OfflineDumpRatio || res+estimate >= quota, nil
}

// cleanResource evicts half of the block cache and returns unused quota
// blocks.
func (w *Writer) cleanResource() {
	if w.cache != nil {
		w.cache.ShrinkTo(w.cache.Size() / 2)
	}
	w.fsQuota.ShrinkToFit()
	w.segQuota.ShrinkToFit()
	if w.diskQuota != nil {
		w.diskQuota.ShrinkToFit()
	}
}

// seal moves the building segment into a dump item. It returns nil when
// nothing was built.
func (w *Writer) seal(res reservation) (*DumpItem, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	cur := w.data.Load()
	if w.pendingEmpty(cur.Active()) {
		return nil, nil
	}

	nd, p := cur.Seal()
	id := p.Segment.ID()
	if err := w.table.Transition(id, segment.StateWaitingToDump); err != nil {
		nd.Release()
		return nil, err
	}
	p.Segment.Seal()
	log := w.activeLog
	if log != nil {
		log.Seal()
	}
	w.activeLog = nil
	w.swap(nd)

	item := newDumpItem(w, p.Segment, p.Layer, log, res)
	w.opts.Logger.Info("segment sealed", "segment", id, "item", item.ID(), "docs", p.Segment.DocCount(), "estimated_bytes", item.EstimatedDumpSize())
	return item, nil
}

// DumpSegment seals the building segment and dumps it, or enqueues it in
// asynchronous mode. Without a building segment, a synchronous writer
// retries previously failed dumps.
func (w *Writer) DumpSegment(ctx context.Context) error {
	item, err := w.seal(reservation{})
	if err != nil {
		return err
	}
	if item == nil {
		if w.opts.AsyncDump {
			return nil
		}
		return w.pipeline.Flush(ctx)
	}
	return w.pipeline.Submit(ctx, item)
}

// DumpWithMemLimit reserves the projected dump output against the
// file-system quota and the temporary dump memory against the segment
// quota, then dumps. It returns false without dumping when a reservation
// fails; the caller should retry later.
func (w *Writer) DumpWithMemLimit(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false, ErrClosed
	}
	active := w.data.Load().Active()
	if w.pendingEmpty(active) {
		w.mu.Unlock()
		return true, nil
	}
	files := active.Segment.EstimateDumpFileSize() + active.Layer.DumpSize()
	if w.activeLog != nil {
		files += w.activeLog.DumpSize()
	}
	temp := active.Segment.EstimateDumpTempMemory()
	w.mu.Unlock()

	if !w.fsQuota.Reserve(files) {
		return false, nil
	}
	if !w.segQuota.Reserve(temp) {
		w.fsQuota.ShrinkToFit()
		return false, nil
	}
	w.fsQuota.Allocate(files)
	w.segQuota.Allocate(temp)
	res := reservation{files: files, memory: temp}

	item, err := w.seal(res)
	if err != nil || item == nil {
		w.fsQuota.Free(files)
		w.segQuota.Free(temp)
		return err == nil, err
	}
	if err := w.pipeline.Submit(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// commitDump opens the written segment, stores the next version and
// swaps the sealed segment for the loaded one.
func (w *Writer) commitDump(ctx context.Context, it *DumpItem) error {
	id := it.SegmentID()
	dir := w.layout.SegmentDir(id)

	var disk *segment.Disk
	err := fs.Retry(ctx, w.retry, func() error {
		var err error
		disk, err = segment.Open(w.fsys, dir, id, segment.DiskOptions{Cache: w.blockCache(), Quota: w.diskQuota})
		return err
	})
	if err != nil {
		return fmt.Errorf("open dumped segment %s: %w", id, err)
	}
	defer disk.DecRef()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	cur := w.data.Load()
	info := it.segment.Info()
	inc, rt := cur.IncVersion(), cur.RtVersion()
	if w.opts.Online {
		rt = rt.Next()
		rt.SchemaID = w.schema.ID
		rt.IncVersion = inc.ID
		rt.AddSegment(id, info.MaxTimestamp, info.Locator)
		if err := version.Store(w.fsys, w.layout.RtDir(), rt); err != nil {
			return fmt.Errorf("store realtime version %d: %w", rt.ID, err)
		}
	} else {
		inc = inc.Next()
		inc.SchemaID = w.schema.ID
		inc.AddSegment(id, info.MaxTimestamp, info.Locator)
		if err := version.Store(w.fsys, w.layout.IncDir(), inc); err != nil {
			return fmt.Errorf("store version %d: %w", inc.ID, err)
		}
		if w.catalog != nil {
			if err := w.catalog.Commit(ctx, inc.ID); err != nil {
				return fmt.Errorf("commit version %d: %w", inc.ID, err)
			}
		}
	}
	// The locator is reported only once a stored version refers to the segment.
	w.tracker.Track(dir, info.Locator)

	if err := w.table.Transition(id, segment.StateDumped); err != nil {
		return err
	}
	nd, err := cur.CommitDump(id, disk, inc, rt)
	if err != nil {
		return err
	}
	w.swap(nd)
	w.publishLocked(nd)
	it.release()

	w.opts.Logger.Info("segment dumped", "segment", id, "item", it.ID(), "docs", info.DocCount, "data", nd.String())
	return nil
}

// Update replaces the writer's data with the result of fn while holding
// the writer lock and publishes it. fn must not release cur.
func (w *Writer) Update(fn func(cur *partition.Data) (*partition.Data, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	cur := w.data.Load()
	nd, err := fn(cur)
	if err != nil {
		return err
	}
	if nd == nil || nd == cur {
		return nil
	}
	w.swap(nd)
	w.publishLocked(nd)
	return nil
}

// Snapshot returns the reader view of the writer's data. The caller must
// release it.
func (w *Writer) Snapshot() *partition.Data {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data.Load().Clone()
}

// Versions returns the committed incremental and realtime versions
// without taking the writer lock.
func (w *Writer) Versions() (inc, rt *version.Version) {
	d := w.data.Load()
	return d.IncVersion(), d.RtVersion()
}

// Log returns the operation log, nil for offline writers.
func (w *Writer) Log() *oplog.Log { return w.log }

// SegmentState returns the lifecycle state of a segment created by the
// writer.
func (w *Writer) SegmentState(id model.SegmentID) (segment.State, bool) {
	return w.table.State(id)
}

// ProtectedSegments returns the segments not yet dumped.
func (w *Writer) ProtectedSegments() []model.SegmentID {
	return w.table.Active()
}

// NextSegmentID returns the id the next building segment gets.
func (w *Writer) NextSegmentID() model.SegmentID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextID
}

// PendingDumps returns the number of sealed segments not yet committed.
func (w *Writer) PendingDumps() int {
	return w.pipeline.Len()
}

// MemoryUsage returns the bytes charged by building segments and dump
// reservations.
func (w *Writer) MemoryUsage() int64 {
	return w.segQuota.Used()
}

// Locator returns the newest locator seen by the writer.
func (w *Writer) Locator() model.Locator {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.data.Load()
	loc := maxLocator(cur.IncVersion().Locator, cur.RtVersion().Locator)
	for _, p := range cur.Sealed() {
		loc = maxLocator(loc, p.Segment.Info().Locator)
	}
	if b := cur.Active().Segment; b != nil {
		loc = maxLocator(loc, b.Info().Locator)
	}
	return loc
}

// FlushedLocator returns the locator up to which dumped data is durable.
func (w *Writer) FlushedLocator() model.Locator {
	return w.tracker.Flushed()
}

func maxLocator(a, b model.Locator) model.Locator {
	if b.IsZero() {
		return a
	}
	if a.IsZero() {
		return b
	}
	return a.Max(b)
}

// Flush waits until every sealed segment is committed and synced.
func (w *Writer) Flush(ctx context.Context) error {
	if err := w.pipeline.Flush(ctx); err != nil {
		return err
	}
	return w.tracker.Wait(ctx)
}

// Close stops the writer. Segments not yet committed are discarded; their
// directories have no completion marker or no version referencing them.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	var err error
	discarded := w.pipeline.Close()
	for _, it := range discarded {
		it.release()
	}
	err = multierr.Append(err, w.tracker.Close())

	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.data.Load()
	if b := cur.Active().Segment; b != nil {
		b.Seal()
		b.Release()
	}
	if w.activeLog != nil {
		w.activeLog.Seal()
		w.activeLog = nil
	}
	cur.Release()
	w.segQuota.Close()
	w.fsQuota.Close()

	if len(discarded) > 0 {
		w.opts.Logger.Warn("writer closed with pending dumps", "discarded", len(discarded))
	}
	return err
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hupe1980/docindex/blobstore"
	"github.com/hupe1980/docindex/internal/cache"
	"github.com/hupe1980/docindex/internal/oplog"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/internal/reopen"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/internal/writer"
	"github.com/hupe1980/docindex/model"
	"go.uber.org/multierr"
)

var (
	// ErrClosed is returned by a closed engine.
	ErrClosed = errors.New("engine closed")
	// ErrInconsistentSchema is returned when a version was built with
	// another schema than the partition's.
	ErrInconsistentSchema = errors.New("version schema differs from partition schema")
	// ErrIndexRollback is returned when the target version is older than
	// the loaded one.
	ErrIndexRollback = errors.New("target version is older than the loaded version")
	// ErrOfflineReopen is returned by Reopen on an offline partition.
	ErrOfflineReopen = errors.New("reopen is not supported offline")
)

// Engine owns the writer, the reader container and the file lifecycle
// of one partition.
type Engine struct {
	opts   Options
	schema model.Schema
	layout partition.Layout

	rc          *resource.Controller
	cache       *cache.LRUBlockCache
	diskQuota   *resource.BlockQuota
	logQuota    *resource.BlockQuota
	reopenQuota *resource.BlockQuota

	loader   *partition.Loader
	deployer *partition.Deployer
	cleaner  *partition.Cleaner
	readers  *partition.ReaderContainer
	logger   *slog.Logger

	// mu guards w. Operations on the writer hold it shared; replacing the
	// writer holds it exclusively.
	mu       sync.RWMutex
	w        *writer.Writer
	reopenMu sync.Mutex
	closed   bool
}

// Open loads the partition stored under primaryDir. Online partitions
// deploy the target incremental version from secondary first (0 selects
// the latest) and recover the realtime segments built on top of it.
func Open(ctx context.Context, primaryDir string, secondary blobstore.BlobStore, schema model.Schema, target model.VersionID, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.FS.MkdirAll(primaryDir, 0o755); err != nil {
		return nil, fmt.Errorf("create primary directory: %w", err)
	}

	rc := resource.NewController(opts.Resources)
	e := &Engine{
		opts:        opts,
		schema:      schema,
		layout:      partition.Layout{Root: primaryDir},
		rc:          rc,
		diskQuota:   rc.NewResourceBlock(),
		logQuota:    rc.NewBuildBlock(),
		reopenQuota: rc.NewResourceBlock(),
		readers:     partition.NewReaderContainer(),
		logger:      opts.Logger.With("partition", primaryDir, "schema", schema.Name),
	}
	if opts.CacheBytes > 0 {
		e.cache = cache.NewLRUBlockCache(opts.CacheBytes, rc.NewResourceBlock())
		if secondary != nil && opts.SecondaryBlockSize > 0 {
			secondary = blobstore.NewCachingStore(secondary, e.cache, opts.SecondaryBlockSize)
		}
	}
	e.loader = &partition.Loader{
		FS:     opts.FS,
		Layout: e.layout,
		Quota:  e.diskQuota,
		Retry:  opts.Retry,
		Logger: e.logger,
	}
	if e.cache != nil {
		e.loader.Cache = e.cache
	}
	e.deployer = &partition.Deployer{
		Secondary:   secondary,
		FS:          opts.FS,
		Layout:      e.layout,
		Resources:   rc,
		Parallelism: opts.DeployParallelism,
		Retry:       opts.Retry,
		Logger:      e.logger,
	}
	e.cleaner = &partition.Cleaner{
		FS:               opts.FS,
		Layout:           e.layout,
		KeepVersionCount: opts.KeepVersionCount,
		Logger:           e.logger,
	}

	var err error
	if opts.Writer.Online {
		err = e.openOnline(ctx, target)
	} else {
		err = e.openOffline(ctx, target)
	}
	if err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

func (e *Engine) openOnline(ctx context.Context, target model.VersionID) error {
	inc, err := e.deployer.LoadVersion(ctx, target)
	switch {
	case errors.Is(err, version.ErrNotFound) && target == 0:
		inc = version.New(e.schema.ID)
	case err != nil:
		return fmt.Errorf("load version %d: %w", target, err)
	}
	if inc.ID != 0 && inc.SchemaID != e.schema.ID {
		return fmt.Errorf("%w: version %d has schema %d, partition %d", ErrInconsistentSchema, inc.ID, inc.SchemaID, e.schema.ID)
	}
	if inc.ID != 0 {
		if err := e.deployer.Deploy(ctx, inc); err != nil {
			return fmt.Errorf("deploy version %d: %w", inc.ID, err)
		}
	}

	rt, log, err := e.recoverRealtime(inc)
	if err != nil {
		return err
	}

	data, err := e.loader.Load(ctx, e.schema, inc, rt, nil)
	if err != nil {
		return fmt.Errorf("load partition: %w", err)
	}

	r := reopen.NewReplayer(log, data, reopen.NewStrategy(nil))
	if err := r.Redo(ctx); err != nil {
		data.Release()
		return fmt.Errorf("redo operation log: %w", err)
	}
	nd := data.WithState(data.State().Apply(r.Layer()))
	data.Release()

	e.logger.Info("partition opened", "mode", "online", "data", nd.String(), "redone", r.Redone())
	return e.install(nd, log, 0, maxLocator(inc.Locator, rt.Locator))
}

// recoverRealtime returns the realtime version to load on top of inc and
// the operation log of its segments. Segments whose documents are all
// older than inc are dropped from the version.
func (e *Engine) recoverRealtime(inc *version.Version) (*version.Version, *oplog.Log, error) {
	rt, err := version.LoadLatest(e.opts.FS, e.layout.RtDir())
	if err != nil {
		return nil, nil, fmt.Errorf("load realtime version: %w", err)
	}
	if rt == nil {
		rt = version.New(e.schema.ID)
	}

	var reclaimed []model.SegmentID
	for _, id := range rt.Segments {
		if rt.SchemaID != e.schema.ID {
			reclaimed = append(reclaimed, id)
			continue
		}
		info, err := segment.LoadInfo(e.opts.FS, e.layout.SegmentDir(id))
		if err != nil {
			return nil, nil, fmt.Errorf("load realtime segment %s: %w", id, err)
		}
		if info.MaxTimestamp < inc.Timestamp {
			reclaimed = append(reclaimed, id)
		}
	}

	if len(reclaimed) > 0 || rt.IncVersion != inc.ID {
		rt = rt.Next().Without(reclaimed)
		rt.SchemaID = e.schema.ID
		rt.IncVersion = inc.ID
		if err := version.Store(e.opts.FS, e.layout.RtDir(), rt); err != nil {
			return nil, nil, fmt.Errorf("store realtime version %d: %w", rt.ID, err)
		}
		e.logger.Info("realtime version rebased", "version", rt.ID, "inc", inc.ID, "reclaimed", reclaimed)
	}

	log := oplog.NewLog()
	for _, id := range rt.Segments {
		seg, err := oplog.LoadSegment(e.opts.FS, e.layout.SegmentDir(id), id, e.logQuota)
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("realtime segment without operation log", "segment", id)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load operation log %s: %w", id, err)
		}
		log.Add(seg)
	}
	return rt, log, nil
}

func (e *Engine) openOffline(ctx context.Context, target model.VersionID) error {
	id := target
	if id == 0 && e.opts.Catalog != nil {
		latest, err := e.opts.Catalog.Latest(ctx)
		if err != nil {
			return fmt.Errorf("read catalog: %w", err)
		}
		id = latest
	}

	var (
		inc *version.Version
		err error
	)
	if id == 0 {
		inc, err = version.LoadLatest(e.opts.FS, e.layout.IncDir())
	} else {
		inc, err = version.Load(e.opts.FS, e.layout.IncDir(), id)
	}
	if err != nil {
		return fmt.Errorf("load version %d: %w", id, err)
	}
	if inc == nil {
		inc = version.New(e.schema.ID)
	}
	if inc.ID != 0 && inc.SchemaID != e.schema.ID {
		return fmt.Errorf("%w: version %d has schema %d, partition %d", ErrInconsistentSchema, inc.ID, inc.SchemaID, e.schema.ID)
	}

	data, err := e.loader.Load(ctx, e.schema, inc, nil, nil)
	if err != nil {
		return fmt.Errorf("load partition: %w", err)
	}
	e.logger.Info("partition opened", "mode", "offline", "data", data.String())
	return e.install(data, nil, 0, inc.Locator)
}

// install creates the writer over data and publishes data as the first
// reader of the writer. It takes ownership of data.
func (e *Engine) install(data *partition.Data, log *oplog.Log, first model.SegmentID, flushed model.Locator) error {
	w, err := writer.New(writer.Config{
		FS:             e.opts.FS,
		Layout:         e.layout,
		Schema:         e.schema,
		Resources:      e.rc,
		Cache:          e.cache,
		DiskQuota:      e.diskQuota,
		Log:            log,
		LogQuota:       e.logQuota,
		Catalog:        e.opts.Catalog,
		Retry:          e.opts.Retry,
		Data:           data,
		FirstSegmentID: first,
		Flushed:        flushed,
		Publish:        e.publish,
	}, e.opts.Writer)
	if err != nil {
		data.Release()
		return err
	}
	e.publish(data)
	e.w = w
	return nil
}

// publish registers a reader for d and evicts readers nobody holds.
func (e *Engine) publish(d *partition.Data) {
	r := partition.NewReader(d)
	if err := e.readers.Add(r); err != nil {
		e.logger.Warn("reader not published", "version", r.Version(), "error", err)
		r.DecRef()
		return
	}
	if n := e.readers.EvictOld(); n > 0 {
		e.logger.Debug("readers evicted", "count", n)
	}
	e.opts.Metrics.OnReaders(e.readers.Len())
	e.opts.Metrics.OnMemory("build", e.rc.BuildQuota().Used())
	e.opts.Metrics.OnMemory("resource", e.rc.ResourceQuota().Used())
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

// writer returns the current writer with e.mu held shared. The caller
// must call the returned unlock.
func (e *Engine) writer() (*writer.Writer, func(), error) {
	e.mu.RLock()
	if e.closed || e.w == nil {
		e.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return e.w, e.mu.RUnlock, nil
}

// Online reports whether the partition builds realtime segments.
func (e *Engine) Online() bool { return e.opts.Writer.Online }

// Schema returns the partition schema.
func (e *Engine) Schema() model.Schema { return e.schema }

// Layout returns the primary directory layout.
func (e *Engine) Layout() partition.Layout { return e.layout }

// GetReader returns the newest reader with a reference held for the
// caller, who must DecRef it.
func (e *Engine) GetReader() (*partition.Reader, error) {
	if r := e.readers.Acquire(); r != nil {
		return r, nil
	}
	return nil, ErrClosed
}

// Readers returns the versions of all resident readers, oldest first.
func (e *Engine) Readers() []model.ReaderVersion {
	return e.readers.Versions()
}

// BuildDocument applies one document to the building segment.
func (e *Engine) BuildDocument(d *model.Document) error {
	w, unlock, err := e.writer()
	if err != nil {
		return err
	}
	defer unlock()
	return w.BuildDocument(d)
}

// NeedDump reports whether the building segment should be dumped.
func (e *Engine) NeedDump(quota int64) (bool, error) {
	w, unlock, err := e.writer()
	if err != nil {
		return false, err
	}
	defer unlock()
	return w.NeedDump(quota)
}

// DumpSegment seals and dumps the building segment.
func (e *Engine) DumpSegment(ctx context.Context) error {
	w, unlock, err := e.writer()
	if err != nil {
		return err
	}
	defer unlock()
	return w.DumpSegment(ctx)
}

// DumpWithMemLimit dumps the building segment if the dump fits the
// memory quota.
func (e *Engine) DumpWithMemLimit(ctx context.Context) (bool, error) {
	w, unlock, err := e.writer()
	if err != nil {
		return false, err
	}
	defer unlock()
	return w.DumpWithMemLimit(ctx)
}

// Flush waits until every sealed segment is committed and synced.
func (e *Engine) Flush(ctx context.Context) error {
	w, unlock, err := e.writer()
	if err != nil {
		return err
	}
	defer unlock()
	return w.Flush(ctx)
}

// Locator returns the newest locator seen by the writer.
func (e *Engine) Locator() (model.Locator, error) {
	w, unlock, err := e.writer()
	if err != nil {
		return model.Locator{}, err
	}
	defer unlock()
	return w.Locator(), nil
}

// FlushedLocator returns the locator up to which data is durable.
func (e *Engine) FlushedLocator() (model.Locator, error) {
	w, unlock, err := e.writer()
	if err != nil {
		return model.Locator{}, err
	}
	defer unlock()
	return w.FlushedLocator(), nil
}

// Versions returns the loaded incremental and realtime versions.
func (e *Engine) Versions() (inc, rt *version.Version, err error) {
	w, unlock, err := e.writer()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()
	inc, rt = w.Versions()
	return inc, rt, nil
}

// Reopen switches the partition to target, 0 selecting the latest
// version. The returned decision names the path taken.
func (e *Engine) Reopen(ctx context.Context, force bool, target model.VersionID) (reopen.Decision, error) {
	if !e.opts.Writer.Online {
		return reopen.NoNeedReopen, ErrOfflineReopen
	}
	e.reopenMu.Lock()
	defer e.reopenMu.Unlock()

	start := time.Now()
	decision, err := e.reopen(ctx, force, target)
	e.opts.Metrics.OnReopen(decision.String(), time.Since(start), err)
	if err != nil {
		e.logger.Warn("reopen failed", "decision", decision, "target", target, "error", err)
	}
	return decision, err
}

func (e *Engine) reopen(ctx context.Context, force bool, target model.VersionID) (reopen.Decision, error) {
	w, unlock, err := e.writer()
	if err != nil {
		return reopen.NoNeedReopen, err
	}
	loaded, _ := w.Versions()
	unlock()

	v, err := e.deployer.LoadVersion(ctx, target)
	if err != nil {
		if errors.Is(err, version.ErrNotFound) && target == 0 {
			return reopen.NoNeedReopen, nil
		}
		return reopen.NormalReopen, fmt.Errorf("load version %d: %w", target, err)
	}

	decision := reopen.Decide(v, loaded, force)
	switch decision {
	case reopen.NoNeedReopen:
		return decision, nil
	case reopen.InconsistentSchemaReopen:
		return decision, fmt.Errorf("%w: version %d has schema %d, partition %d", ErrInconsistentSchema, v.ID, v.SchemaID, loaded.SchemaID)
	case reopen.IndexRollbackReopen:
		return decision, fmt.Errorf("%w: version %d at %d, loaded %d at %d", ErrIndexRollback, v.ID, v.Timestamp, loaded.ID, loaded.Timestamp)
	case reopen.ForceReopen:
		return decision, e.forceReopen(ctx, v)
	default:
		ex := &reopen.Executor{
			FS:             e.opts.FS,
			Layout:         e.layout,
			Loader:         e.loader,
			Deployer:       e.deployer,
			Quota:          e.reopenQuota,
			RetryOnIOError: e.opts.RetryOnIOError,
			Logger:         e.logger,
		}
		return decision, ex.Normal(ctx, w, v)
	}
}

// forceReopen discards the writer with all realtime state and starts a
// new one on target. Realtime segment directories are left to the
// cleaner so readers holding them stay valid.
func (e *Engine) forceReopen(ctx context.Context, target *version.Version) error {
	if err := e.deployer.Deploy(ctx, target); err != nil {
		return fmt.Errorf("deploy version %d: %w", target.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	old := e.w
	cur := old.Snapshot()
	defer cur.Release()

	rt := cur.RtVersion().Without(cur.RtVersion().Segments).Next()
	rt.SchemaID = e.schema.ID
	rt.IncVersion = target.ID

	data, err := e.loader.Load(ctx, e.schema, target, rt, cur)
	if err != nil {
		return fmt.Errorf("load version %d: %w", target.ID, err)
	}

	first := old.NextSegmentID()
	if err := old.Close(); err != nil {
		e.logger.Warn("closing writer for force reopen", "error", err)
	}

	if err := version.Store(e.opts.FS, e.layout.RtDir(), rt); err != nil {
		data.Release()
		e.logger.Error("force reopen failed, restoring previous data", "error", err)
		log := old.Log()
		log.Reclaim(func(s *oplog.Segment) bool { return cur.RtVersion().Contains(s.ID()) })
		if rerr := e.install(cur.Clone(), log, first, maxLocator(cur.IncVersion().Locator, cur.RtVersion().Locator)); rerr != nil {
			e.w = nil
			return multierr.Append(fmt.Errorf("store realtime version %d: %w", rt.ID, err), rerr)
		}
		return fmt.Errorf("store realtime version %d: %w", rt.ID, err)
	}

	if err := e.install(data, oplog.NewLog(), first, target.Locator); err != nil {
		e.w = nil
		return err
	}
	e.logger.Info("partition force reopened", "from", cur.IncVersion().ID, "to", target.ID, "first_segment", first)
	return nil
}

// CleanUnreferenced removes version files and segment directories that
// neither the writer nor any resident reader refers to.
func (e *Engine) CleanUnreferenced(ctx context.Context) ([]string, error) {
	e.reopenMu.Lock()
	defer e.reopenMu.Unlock()

	w, unlock, err := e.writer()
	if err != nil {
		return nil, err
	}
	defer unlock()

	snap := w.Snapshot()
	defer snap.Release()
	refs := partition.Refs{
		Data:      append(e.readers.Held(), snap),
		Protected: w.ProtectedSegments(),
	}
	removed, err := e.cleaner.Clean(ctx, refs)
	if err != nil {
		return removed, err
	}
	if oldest, ok := e.readers.Oldest(); ok {
		e.deployer.Forget(oldest.Inc)
	}
	return removed, nil
}

// Close stops the writer and drops every resident reader. Handles given
// out stay readable until released.
func (e *Engine) Close() error {
	e.reopenMu.Lock()
	defer e.reopenMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.w != nil {
		err = multierr.Append(err, e.w.Close())
		e.w = nil
	}
	e.release()
	return err
}

func (e *Engine) release() {
	e.readers.Close()
	if e.cache != nil {
		e.cache.Purge()
	}
	e.diskQuota.Close()
	e.logQuota.Close()
	e.reopenQuota.Close()
}

package docindex

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/docindex/blobstore"
	"github.com/hupe1980/docindex/internal/engine"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/model"
)

// Reader is a reference counted handle on one immutable snapshot. Call
// DecRef when done.
type Reader = partition.Reader

// Partition is one document partition: a writer building segments, the
// readers serving committed snapshots, and the version lifecycle on the
// primary directory.
type Partition struct {
	e      *engine.Engine
	logger *Logger
	closed atomic.Bool
}

// Open loads the partition under primaryDir. Online partitions deploy
// version target (0 selects the latest) from secondary, which may be nil
// when the primary directory already holds it. The status classifies a
// failure.
func Open(ctx context.Context, primaryDir string, secondary blobstore.BlobStore, schema model.Schema, target model.VersionID, optFns ...Option) (p *Partition, status OpenStatus, err error) {
	o := applyOptions(optFns)
	logger := o.logger.WithPartition(primaryDir, schema)
	o.engine.Logger = logger.Logger

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, &panicError{op: "open", value: r}
			status = StatusUnknownException
		}
		logger.LogOpen(ctx, target, status, err)
	}()

	e, err := engine.Open(ctx, primaryDir, secondary, schema, target, o.engine)
	if err != nil {
		return nil, StatusOf(err), err
	}
	return &Partition{e: e, logger: logger}, StatusOK, nil
}

// Reopen switches an online partition to version target, 0 selecting
// the latest. Reopening to the loaded version is a no-op. With force the
// realtime state is discarded instead of replayed. On failure the
// partition keeps serving the data it had.
func (p *Partition) Reopen(ctx context.Context, force bool, target model.VersionID) (status OpenStatus, err error) {
	if p.closed.Load() {
		return StatusEngineException, ErrClosed
	}
	start := time.Now()
	decision := "UNKNOWN"
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{op: "reopen", value: r}
			status = StatusUnknownException
		}
		p.logger.LogReopen(ctx, decision, target, status, time.Since(start), err)
	}()

	d, err := p.e.Reopen(ctx, force, target)
	decision = d.String()
	return StatusOf(err), err
}

// GetReader returns the newest reader. The caller must DecRef it.
func (p *Partition) GetReader() (*Reader, error) {
	return p.e.GetReader()
}

// BuildDocument applies one operation. Committed documents become
// visible to readers after the segment holding them is dumped.
func (p *Partition) BuildDocument(d *model.Document) error {
	return p.e.BuildDocument(d)
}

// NeedDump reports whether the building segment should be dumped given
// quota bytes of memory. ErrOutOfMemory means the quota can never be met.
func (p *Partition) NeedDump(quota int64) (bool, error) {
	return p.e.NeedDump(quota)
}

// DumpSegment seals the building segment and dumps it.
func (p *Partition) DumpSegment(ctx context.Context) error {
	start := time.Now()
	err := p.e.DumpSegment(ctx)
	p.logger.LogDump(ctx, err == nil, time.Since(start), err)
	return err
}

// DumpWithMemLimit dumps the building segment if the dump fits the
// memory quotas. false means the dump was deferred.
func (p *Partition) DumpWithMemLimit(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := p.e.DumpWithMemLimit(ctx)
	p.logger.LogDump(ctx, ok, time.Since(start), err)
	return ok, err
}

// Flush waits until every sealed segment is dumped and synced.
func (p *Partition) Flush(ctx context.Context) error {
	return p.e.Flush(ctx)
}

// Locator returns the newest locator applied to the partition.
func (p *Partition) Locator() (model.Locator, error) {
	return p.e.Locator()
}

// FlushedLocator returns the locator up to which data survives a restart.
func (p *Partition) FlushedLocator() (model.Locator, error) {
	return p.e.FlushedLocator()
}

// Version returns the loaded incremental and realtime version ids.
func (p *Partition) Version() (model.ReaderVersion, error) {
	inc, rt, err := p.e.Versions()
	if err != nil {
		return model.ReaderVersion{}, err
	}
	return model.ReaderVersion{Inc: inc.ID, Rt: rt.ID}, nil
}

// CleanUnreferenced removes version files and segment directories that
// no reader, the writer or the newest kept versions refer to. It returns
// the removed paths.
func (p *Partition) CleanUnreferenced(ctx context.Context) ([]string, error) {
	removed, err := p.e.CleanUnreferenced(ctx)
	p.logger.LogClean(ctx, len(removed), err)
	return removed, err
}

// Close stops the writer. Segments not yet dumped are discarded. Readers
// obtained before stay valid until released.
func (p *Partition) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.e.Close()
}

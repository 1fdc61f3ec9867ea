package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/model"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned for doc ids outside a segment.
var ErrNotFound = errors.New("document not found in segment")

// BuildOptions configures a building segment.
type BuildOptions struct {
	Schema        model.Schema
	Compression   Compression
	DeferredDedup bool
	// MaxPKs forces a dump once the pk index holds this many keys.
	MaxPKs    int
	Factories []IndexerFactory
}

// Building is the mutable segment the writer appends to. After Seal it is
// owned by a dump item and only read.
type Building struct {
	id    model.SegmentID
	quota *resource.BlockQuota

	pk       *PKIndexer
	store    *DocStore
	indexers []Indexer

	mu      sync.RWMutex
	info    Info
	sealed  bool
	charged int64
}

// NewBuilding creates an empty building segment charging its memory to
// quota.
func NewBuilding(id model.SegmentID, quota *resource.BlockQuota, opts BuildOptions) *Building {
	b := &Building{
		id:    id,
		quota: quota,
		pk:    NewPKIndexer(opts.DeferredDedup, opts.MaxPKs),
		store: NewDocStore(opts.Compression),
	}
	b.indexers = []Indexer{b.pk, b.store}
	for _, f := range opts.Factories {
		if ix := f(opts.Schema); ix != nil {
			b.indexers = append(b.indexers, ix)
		}
	}
	b.info = Info{ID: id, SchemaID: opts.Schema.ID, Compression: b.store.compression}
	for _, ix := range b.indexers {
		b.info.Indexers = append(b.info.Indexers, ix.Name())
	}
	return b
}

// ID returns the segment id.
func (b *Building) ID() model.SegmentID { return b.id }

// Add appends d and returns its local doc id.
func (b *Building) Add(d *model.Document) (model.DocID, error) {
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return 0, fmt.Errorf("segment %s is sealed", b.id)
	}
	doc := model.DocID(b.info.DocCount)
	b.mu.Unlock()

	for _, ix := range b.indexers {
		if err := ix.Add(doc, d); err != nil {
			return 0, fmt.Errorf("indexer %s: %w", ix.Name(), err)
		}
	}

	b.mu.Lock()
	b.info.observe(d.Timestamp, d.Locator)
	b.info.DocCount++
	b.mu.Unlock()

	b.recharge()
	return doc, nil
}

// Observe advances timestamp and locator without adding a document.
func (b *Building) Observe(ts int64, loc model.Locator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info.MaxTimestamp = max(b.info.MaxTimestamp, ts)
	b.info.Locator = b.info.Locator.Max(loc)
}

func (b *Building) recharge() {
	if b.quota == nil {
		return
	}
	cur := b.EstimateMemory()
	b.mu.Lock()
	delta := cur - b.charged
	b.charged = cur
	b.mu.Unlock()
	if delta > 0 {
		b.quota.Allocate(delta)
	} else {
		b.quota.Free(-delta)
	}
}

// Get returns document doc.
func (b *Building) Get(doc model.DocID) (*model.Document, error) {
	if int(doc) >= b.DocCount() {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, b.id, doc)
	}
	return b.store.Get(doc)
}

// Lookup returns the newest doc id for pk.
func (b *Building) Lookup(pk string) (model.DocID, bool) {
	return b.pk.Lookup(pk)
}

// Superseded returns same-segment duplicates collected in deferred mode.
func (b *Building) Superseded() []model.DocID {
	return b.pk.Superseded()
}

// DocCount returns the number of documents added.
func (b *Building) DocCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.DocCount
}

// Info returns a copy of the segment info.
func (b *Building) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info := b.info
	info.Indexers = append([]string(nil), b.info.Indexers...)
	return info
}

// Empty reports whether no document was added.
func (b *Building) Empty() bool {
	return b.DocCount() == 0
}

// Seal makes the segment read-only.
func (b *Building) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

func (b *Building) sum(f func(Indexer) int64) int64 {
	var n int64
	for _, ix := range b.indexers {
		n += f(ix)
	}
	return n
}

// EstimateMemory returns the bytes held by all indexers.
func (b *Building) EstimateMemory() int64 {
	return b.sum(Indexer.EstimateMemory)
}

// EstimateDumpTempMemory returns the extra bytes a dump needs.
func (b *Building) EstimateDumpTempMemory() int64 {
	return b.sum(Indexer.EstimateDumpTempMemory)
}

// EstimateDumpFileSize returns the bytes a dump writes.
func (b *Building) EstimateDumpFileSize() int64 {
	return b.sum(Indexer.EstimateDumpFileSize)
}

// IsFull reports whether any indexer forces a dump.
func (b *Building) IsFull() bool {
	for _, ix := range b.indexers {
		if ix.IsFull() {
			return true
		}
	}
	return false
}

// DumpIndexers dumps all indexers into dir using up to threads goroutines.
func (b *Building) DumpIndexers(ctx context.Context, fsys fs.FileSystem, dir string, threads int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(threads, 1))
	for _, ix := range b.indexers {
		g.Go(func() error {
			if err := ix.Dump(gctx, fsys, dir); err != nil {
				return fmt.Errorf("dump indexer %s: %w", ix.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Iterate calls fn for every document in doc id order.
func (b *Building) Iterate(ctx context.Context, fn func(model.DocID, *model.Document) error) error {
	n := b.DocCount()
	for i := range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := b.store.Get(model.DocID(i))
		if err != nil {
			return err
		}
		if err := fn(model.DocID(i), d); err != nil {
			return err
		}
	}
	return nil
}

// Release returns the memory charged to the quota.
func (b *Building) Release() {
	if b.quota == nil {
		return
	}
	b.mu.Lock()
	charged := b.charged
	b.charged = 0
	b.mu.Unlock()
	b.quota.Free(charged)
}

package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docindex/model"
)

var (
	// ErrNotFound is returned when no live document has the key.
	ErrNotFound = errors.New("document not found")
	// ErrReaderRegression is returned when adding a reader older than the
	// newest resident reader.
	ErrReaderRegression = errors.New("reader version older than newest")
	// ErrReaderClosed is returned by readers whose data was released.
	ErrReaderClosed = errors.New("reader closed")
)

// Reader is a reference counted view of one data snapshot. The container
// holds one reference; every handle given out holds another.
type Reader struct {
	data    *Data
	version model.ReaderVersion
	refs    atomic.Int64
}

// NewReader binds a reader to a clone of d. The returned reader has one
// reference.
func NewReader(d *Data) *Reader {
	r := &Reader{data: d.Clone(), version: d.ReaderVersion()}
	r.refs.Store(1)
	return r
}

// Version returns the versions the reader is bound to.
func (r *Reader) Version() model.ReaderVersion { return r.version }

// Data returns the snapshot.
func (r *Reader) Data() *Data { return r.data }

// IncRef adds a reference.
func (r *Reader) IncRef() { r.refs.Add(1) }

// TryIncRef adds a reference unless the reader is already released.
func (r *Reader) TryIncRef() bool {
	for {
		refs := r.refs.Load()
		if refs <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef drops a reference; the last one releases the snapshot.
func (r *Reader) DecRef() {
	if r.refs.Add(-1) == 0 {
		r.data.Release()
	}
}

// Refs returns the current reference count.
func (r *Reader) Refs() int64 { return r.refs.Load() }

func (r *Reader) check() error {
	if r.refs.Load() <= 0 {
		return ErrReaderClosed
	}
	return nil
}

// Get returns the live document for pk.
func (r *Reader) Get(ctx context.Context, pk string) (*model.Document, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	ref, ok := r.data.Lookup(pk)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, pk)
	}
	return r.data.Get(ctx, ref)
}

// Count returns the number of live documents.
func (r *Reader) Count() (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.data.Count(), nil
}

// Iterate calls fn for every live document.
func (r *Reader) Iterate(ctx context.Context, fn func(model.DocRef, *model.Document) error) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.data.Iterate(ctx, fn)
}

// ReaderContainer is the registry of resident readers ordered by
// version. It is safe for concurrent use.
type ReaderContainer struct {
	mu      sync.Mutex
	readers []*Reader
}

// NewReaderContainer creates an empty container.
func NewReaderContainer() *ReaderContainer {
	return &ReaderContainer{}
}

// Add registers r as the newest reader. The container takes over the
// caller's reference.
func (c *ReaderContainer) Add(r *Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.readers); n > 0 && r.Version().Less(c.readers[n-1].Version()) {
		return fmt.Errorf("%w: %s < %s", ErrReaderRegression, r.Version(), c.readers[n-1].Version())
	}
	c.readers = append(c.readers, r)
	return nil
}

// Acquire returns the newest reader with an extra reference, nil if the
// container is empty. The caller must DecRef it.
func (c *ReaderContainer) Acquire() *Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.readers) - 1; i >= 0; i-- {
		if c.readers[i].TryIncRef() {
			return c.readers[i]
		}
	}
	return nil
}

// Newest returns the version of the newest reader.
func (c *ReaderContainer) Newest() (model.ReaderVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readers) == 0 {
		return model.ReaderVersion{}, false
	}
	return c.readers[len(c.readers)-1].Version(), true
}

// Oldest returns the version of the oldest reader.
func (c *ReaderContainer) Oldest() (model.ReaderVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readers) == 0 {
		return model.ReaderVersion{}, false
	}
	return c.readers[0].Version(), true
}

// Len returns the number of resident readers.
func (c *ReaderContainer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readers)
}

// EvictOld removes every reader only the container references, except the
// newest one. It returns the number of evicted readers.
func (c *ReaderContainer) EvictOld() int {
	c.mu.Lock()
	var evicted []*Reader
	kept := c.readers[:0]
	for i, r := range c.readers {
		if i < len(c.readers)-1 && r.Refs() == 1 {
			evicted = append(evicted, r)
			continue
		}
		kept = append(kept, r)
	}
	clear(c.readers[len(kept):])
	c.readers = kept
	c.mu.Unlock()

	for _, r := range evicted {
		r.DecRef()
	}
	return len(evicted)
}

// Held returns the data of every resident reader. The result is only
// valid while the caller prevents eviction.
func (c *ReaderContainer) Held() []*Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Data, 0, len(c.readers))
	for _, r := range c.readers {
		out = append(out, r.data)
	}
	return out
}

// Versions returns the versions of all resident readers, oldest first.
func (c *ReaderContainer) Versions() []model.ReaderVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ReaderVersion, 0, len(c.readers))
	for _, r := range c.readers {
		out = append(out, r.Version())
	}
	return slices.Clip(out)
}

// Close drops the container's reference on every reader.
func (c *ReaderContainer) Close() {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()
	for _, r := range readers {
		r.DecRef()
	}
}

package writer

import (
	"log/slog"
	"time"

	"github.com/hupe1980/docindex/internal/metrics"
	"github.com/hupe1980/docindex/internal/segment"
)

// DedupMode selects when duplicate primary keys inside the building
// segment are resolved.
type DedupMode uint8

const (
	// DedupInOrder deletes the previous document of a key as soon as a
	// new one is added.
	DedupInOrder DedupMode = iota
	// DedupDeferred resolves same-segment duplicates when the segment is
	// dumped. Documents in older segments are still deleted immediately.
	DedupDeferred
)

func (m DedupMode) String() string {
	if m == DedupDeferred {
		return "deferred"
	}
	return "in-order"
}

// Options configures a Writer.
type Options struct {
	// Online enables realtime segments and the operation log.
	Online bool

	// MaxDocCount forces a dump once the building segment holds this many
	// documents. 0 disables the ceiling.
	MaxDocCount int

	DedupMode DedupMode

	// RewriteAddToUpdate turns an ADD of an existing key into an UPDATE.
	// It only applies in DedupInOrder mode when updates are supported.
	RewriteAddToUpdate bool

	// FlushRealtimeOnDisk and AsyncDump both disable UPDATE operations.
	FlushRealtimeOnDisk bool
	AsyncDump           bool

	// DumpThreadCount bounds the indexers dumped in parallel.
	DumpThreadCount int

	// OfflineDumpRatio is the share of the quota the building segment may
	// use before an offline writer dumps.
	OfflineDumpRatio float64

	Compression segment.Compression
	MaxPKs      int
	Factories   []segment.IndexerFactory

	// DumpRetryInterval and DumpMaxRetries bound the retries of a failed
	// asynchronous dump before the pipeline waits for the next trigger.
	DumpRetryInterval time.Duration
	DumpMaxRetries    uint64

	Logger  *slog.Logger
	Metrics metrics.Observer
}

// DefaultOptions returns the defaults used by New for zero fields.
func DefaultOptions() Options {
	return Options{
		Online:            true,
		DumpThreadCount:   1,
		OfflineDumpRatio:  0.8,
		Compression:       segment.CompressionLZ4,
		DumpRetryInterval: time.Second,
		DumpMaxRetries:    3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DumpThreadCount <= 0 {
		o.DumpThreadCount = d.DumpThreadCount
	}
	if o.OfflineDumpRatio <= 0 || o.OfflineDumpRatio > 1 {
		o.OfflineDumpRatio = d.OfflineDumpRatio
	}
	if o.Compression == "" {
		o.Compression = d.Compression
	}
	if o.DumpRetryInterval <= 0 {
		o.DumpRetryInterval = d.DumpRetryInterval
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	o.Metrics = metrics.Or(o.Metrics)
	return o
}

// updatesSupported reports whether UPDATE operations may be applied.
func (o Options) updatesSupported() bool {
	return !o.FlushRealtimeOnDisk && !o.AsyncDump
}

package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/docindex/catalog"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/metrics"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/writer"
)

// Options configures an Engine.
type Options struct {
	Writer    writer.Options
	Resources resource.Config

	// CacheBytes is the capacity of the block cache shared by loaded
	// segments. 0 disables the cache.
	CacheBytes int64

	// SecondaryBlockSize enables block caching of secondary store reads
	// in the block cache. 0 reads the secondary store directly.
	SecondaryBlockSize int64

	// KeepVersionCount is the number of newest versions per chain the
	// cleaner never removes.
	KeepVersionCount int

	// DeployParallelism bounds the segments copied concurrently from the
	// secondary store.
	DeployParallelism int

	Retry fs.RetryPolicy

	// RetryOnIOError reports IO failures of a normal reopen as retryable.
	RetryOnIOError bool

	FS      fs.FileSystem
	Catalog catalog.Catalog
	Logger  *slog.Logger
	Metrics metrics.Observer
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Writer:            writer.DefaultOptions(),
		CacheBytes:        64 << 20,
		KeepVersionCount:  2,
		DeployParallelism: 4,
		Retry:             fs.RetryPolicy{MaxRetries: 3, Interval: 100 * time.Millisecond},
		RetryOnIOError:    true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.KeepVersionCount <= 0 {
		o.KeepVersionCount = d.KeepVersionCount
	}
	if o.DeployParallelism <= 0 {
		o.DeployParallelism = d.DeployParallelism
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	o.Metrics = metrics.Or(o.Metrics)
	o.FS = fs.Or(o.FS)
	o.Writer.Logger = o.Logger
	o.Writer.Metrics = o.Metrics
	return o
}

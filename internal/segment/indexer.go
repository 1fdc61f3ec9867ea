package segment

import (
	"context"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
)

// Indexer builds one index of a building segment.
//
// Add is called from the build goroutine only. The estimate methods and
// IsFull may be called concurrently with Add. Dump runs after the segment
// is sealed and may run in parallel with other indexers' Dump.
type Indexer interface {
	// Name identifies the indexer. It is recorded in segment_info.
	Name() string
	Add(doc model.DocID, d *model.Document) error
	// EstimateMemory returns the bytes currently held.
	EstimateMemory() int64
	// EstimateDumpTempMemory returns the extra bytes Dump needs.
	EstimateDumpTempMemory() int64
	// EstimateDumpFileSize returns the bytes Dump writes.
	EstimateDumpFileSize() int64
	// IsFull forces a dump when an internal structure cannot grow.
	IsFull() bool
	Dump(ctx context.Context, fsys fs.FileSystem, dir string) error
}

// IndexerFactory creates an additional indexer for every new building
// segment.
type IndexerFactory func(schema model.Schema) Indexer

// Package docindex is the build and reopen core of an embedded document
// index.
//
// A Partition ingests add, update, delete and skip operations into an
// in-memory building segment, dumps sealed segments to the primary
// directory under a memory budget, and serves immutable snapshots to
// concurrent readers.
//
// # Modes
//
// Offline partitions build incremental versions and publish them through
// a catalog:
//
//	p, _, err := docindex.Open(ctx, "./build", nil, schema, 0,
//	    docindex.WithOnline(false),
//	    docindex.WithCatalog(catalog.NewFileCatalog(nil, "./build")),
//	    docindex.WithMaxDocCount(100_000))
//
// Online partitions deploy incremental versions from a secondary store
// and build realtime segments on top of them:
//
//	p, status, err := docindex.Open(ctx, "./serve", blobstore.NewLocalStore("./build"), schema, 0)
//
// # Reopen
//
// Reopen moves an online partition to a newer incremental version. The
// realtime operations not contained in the new version are replayed onto
// it, and the switch is applied in one step or not at all:
//
//	status, err := p.Reopen(ctx, false, 0)
//	if status.Retryable() {
//	    // try again later
//	}
//
// # Readers
//
// GetReader returns the newest snapshot with a reference held. Files of a
// held snapshot are never removed by CleanUnreferenced:
//
//	r, _ := p.GetReader()
//	defer r.DecRef()
//	doc, err := r.Get(ctx, "pk-1")
package docindex

package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hupe1980/docindex/blobstore"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/modifier"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schema = model.Schema{Name: "test", ID: 1}

func doc(pk string, ts int64) *model.Document {
	return &model.Document{Kind: model.OpAdd, PK: pk, Fields: map[string]string{"v": pk}, Timestamp: ts}
}

// writeSegment dumps a complete segment with the given keys into dir.
func writeSegment(t *testing.T, dir string, id model.SegmentID, layer *modifier.Layer, pks ...string) {
	t.Helper()
	b := segment.NewBuilding(id, nil, segment.BuildOptions{Schema: schema})
	for i, pk := range pks {
		_, err := b.Add(doc(pk, int64(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, segment.MakeDir(fs.Default, dir))
	require.NoError(t, b.DumpIndexers(t.Context(), fs.Default, dir, 1))
	if layer != nil {
		_, err := layer.Dump(fs.Default, dir)
		require.NoError(t, err)
	}
	require.NoError(t, segment.StoreInfo(fs.Default, dir, b.Info()))
	require.NoError(t, segment.WriteMarker(fs.Default, dir))
}

func newLoader(root string) *Loader {
	return &Loader{Layout: Layout{Root: root}}
}

func TestLoaderLoadsVersion(t *testing.T) {
	root := t.TempDir()
	l := newLoader(root)

	writeSegment(t, l.Layout.SegmentDir(0), 0, nil, "a", "b", "c")
	del := modifier.NewLayer()
	del.Delete(model.DocRef{Segment: 0, Doc: 1})
	writeSegment(t, l.Layout.SegmentDir(1), 1, del, "d")

	inc := &version.Version{ID: 2, SchemaID: 1, Segments: []model.SegmentID{0, 1}}
	d, err := l.Load(t.Context(), schema, inc, nil, nil)
	require.NoError(t, err)
	defer d.Release()

	assert.Equal(t, 3, d.Count())
	_, ok := d.Lookup("b")
	assert.False(t, ok)

	ref, ok := d.Lookup("d")
	require.True(t, ok)
	got, err := d.Get(t.Context(), ref)
	require.NoError(t, err)
	assert.Equal(t, "d", got.Fields["v"])

	_, err = d.Get(t.Context(), model.DocRef{Segment: 0, Doc: 1})
	assert.ErrorIs(t, err, ErrDeleted)
}

func TestLoaderSkipsRealtimeOverlaysOnIncrementalSegments(t *testing.T) {
	root := t.TempDir()
	l := newLoader(root)
	rt := model.RealtimeSegmentMask | 1

	writeSegment(t, l.Layout.SegmentDir(0), 0, nil, "a", "b")
	layer := modifier.NewLayer()
	layer.Delete(model.DocRef{Segment: 0, Doc: 0})
	layer.Delete(model.DocRef{Segment: rt, Doc: 0})
	writeSegment(t, l.Layout.SegmentDir(rt), rt, layer, "x", "y")

	d, err := l.Load(t.Context(), schema,
		&version.Version{ID: 1, Segments: []model.SegmentID{0}},
		&version.Version{ID: 1, Segments: []model.SegmentID{rt}}, nil)
	require.NoError(t, err)
	defer d.Release()

	assert.False(t, d.State().IsDeleted(model.DocRef{Segment: 0, Doc: 0}))
	assert.True(t, d.State().IsDeleted(model.DocRef{Segment: rt, Doc: 0}))
	assert.Equal(t, 3, d.Count())
}

func TestLoaderSharesSegments(t *testing.T) {
	root := t.TempDir()
	l := newLoader(root)
	writeSegment(t, l.Layout.SegmentDir(0), 0, nil, "a")
	writeSegment(t, l.Layout.SegmentDir(1), 1, nil, "b")

	old, err := l.Load(t.Context(), schema, &version.Version{ID: 1, Segments: []model.SegmentID{0}}, nil, nil)
	require.NoError(t, err)

	next, err := l.Load(t.Context(), schema, &version.Version{ID: 2, Segments: []model.SegmentID{0, 1}}, nil, old)
	require.NoError(t, err)

	shared := old.Disk(0)
	assert.Same(t, shared, next.Disk(0))
	assert.Equal(t, int64(2), shared.Refs())

	old.Release()
	old.Release()
	assert.Equal(t, int64(1), shared.Refs())
	next.Release()
	assert.Equal(t, int64(0), shared.Refs())
}

func TestLoaderFailureReleasesOpenedSegments(t *testing.T) {
	root := t.TempDir()
	l := newLoader(root)
	writeSegment(t, l.Layout.SegmentDir(0), 0, nil, "a")

	_, err := l.Load(t.Context(), schema, &version.Version{ID: 1, Segments: []model.SegmentID{0, 5}}, nil, nil)
	assert.Error(t, err)
}

func TestDataSealAndCommit(t *testing.T) {
	root := t.TempDir()
	l := newLoader(root)
	rt := model.RealtimeSegmentMask | 1

	base := New(schema, nil, nil, nil, nil)
	b := segment.NewBuilding(rt, nil, segment.BuildOptions{Schema: schema})
	layer := modifier.NewLayer()
	w := base.WithActive(b, layer)
	base.Release()

	_, err := b.Add(doc("a", 1))
	require.NoError(t, err)
	_, err = b.Add(doc("b", 2))
	require.NoError(t, err)
	layer.Delete(model.DocRef{Segment: rt, Doc: 0})

	ref, ok := w.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, model.DocRef{Segment: rt, Doc: 1}, ref)
	_, ok = w.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 0, w.Count())

	sealed, p := w.Seal()
	w.Release()
	assert.Same(t, b, p.Segment)
	assert.Nil(t, sealed.Active().Segment)
	_, ok = sealed.Lookup("b")
	assert.True(t, ok)

	dir := l.Layout.SegmentDir(rt)
	require.NoError(t, segment.MakeDir(fs.Default, dir))
	require.NoError(t, b.DumpIndexers(t.Context(), fs.Default, dir, 1))
	require.NoError(t, segment.StoreInfo(fs.Default, dir, b.Info()))
	require.NoError(t, segment.WriteMarker(fs.Default, dir))
	disk, err := segment.Open(fs.Default, dir, rt, segment.DiskOptions{})
	require.NoError(t, err)

	rtv := &version.Version{ID: 1, Segments: []model.SegmentID{rt}}
	committed, err := sealed.CommitDump(rt, disk, sealed.IncVersion(), rtv)
	require.NoError(t, err)
	disk.DecRef()
	sealed.Release()

	assert.Equal(t, 1, committed.Count())
	assert.Equal(t, model.ReaderVersion{Rt: 1}, committed.ReaderVersion())
	assert.Empty(t, committed.Sealed())

	_, err = committed.CommitDump(rt, disk, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownSegment)

	committed.Release()
	assert.Equal(t, int64(0), disk.Refs())
}

func TestReaderContainer(t *testing.T) {
	mk := func(inc, rt model.VersionID) *Reader {
		return NewReader(New(schema, &version.Version{ID: inc}, &version.Version{ID: rt}, nil, nil))
	}
	c := NewReaderContainer()
	require.NoError(t, c.Add(mk(1, 0)))
	require.NoError(t, c.Add(mk(1, 1)))
	assert.ErrorIs(t, c.Add(mk(1, 0)), ErrReaderRegression)

	held := c.Acquire()
	require.NotNil(t, held)
	assert.Equal(t, model.ReaderVersion{Inc: 1, Rt: 1}, held.Version())

	require.NoError(t, c.Add(mk(2, 0)))
	oldest, _ := c.Oldest()
	assert.Equal(t, model.ReaderVersion{Inc: 1}, oldest)

	// 1.0 is unreferenced, 1.1 is held, 2.0 is the newest.
	assert.Equal(t, 1, c.EvictOld())
	assert.Equal(t, []model.ReaderVersion{{Inc: 1, Rt: 1}, {Inc: 2}}, c.Versions())

	held.DecRef()
	assert.Equal(t, 1, c.EvictOld())
	assert.Equal(t, 1, c.Len())

	// The newest reader is never evicted.
	assert.Equal(t, 0, c.EvictOld())
	newest, ok := c.Newest()
	assert.True(t, ok)
	assert.Equal(t, model.ReaderVersion{Inc: 2}, newest)

	c.Close()
	assert.Nil(t, c.Acquire())
}

func TestReleasedReaderRejectsAccess(t *testing.T) {
	r := NewReader(New(schema, &version.Version{ID: 1}, nil, nil, nil))
	n, err := r.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r.DecRef()
	_, err = r.Count()
	assert.ErrorIs(t, err, ErrReaderClosed)
	_, err = r.Get(t.Context(), "a")
	assert.ErrorIs(t, err, ErrReaderClosed)
	err = r.Iterate(t.Context(), func(model.DocRef, *model.Document) error { return nil })
	assert.ErrorIs(t, err, ErrReaderClosed)
}

func TestReaderSafetyAcrossCleaner(t *testing.T) {
	root := t.TempDir()
	l := newLoader(root)
	c := NewReaderContainer()
	cleaner := &Cleaner{Layout: l.Layout, KeepVersionCount: 1}

	var versions []*version.Version
	for i := range 3 {
		id := model.SegmentID(i)
		writeSegment(t, l.Layout.SegmentDir(id), id, nil, fmt.Sprintf("k%d", i))
		v := &version.Version{ID: model.VersionID(i + 1), SchemaID: 1, Segments: []model.SegmentID{id}}
		require.NoError(t, version.Store(fs.Default, l.Layout.IncDir(), v))
		versions = append(versions, v)
	}

	first, err := l.Load(t.Context(), schema, versions[0], nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Add(NewReader(first)))
	first.Release()
	held := c.Acquire()

	for _, v := range versions[1:] {
		d, err := l.Load(t.Context(), schema, v, nil, nil)
		require.NoError(t, err)
		require.NoError(t, c.Add(NewReader(d)))
		d.Release()
		c.EvictOld()

		_, err = cleaner.Clean(t.Context(), Refs{Data: c.Held()})
		require.NoError(t, err)
	}

	got, err := held.Get(t.Context(), "k0")
	require.NoError(t, err)
	assert.Equal(t, "k0", got.PK)
	ok, err := segment.IsComplete(fs.Default, l.Layout.SegmentDir(0))
	require.NoError(t, err)
	assert.True(t, ok)

	// Once released, the old segment is collected.
	held.DecRef()
	c.EvictOld()
	removed, err := cleaner.Clean(t.Context(), Refs{Data: c.Held()})
	require.NoError(t, err)
	assert.Contains(t, removed, l.Layout.SegmentDir(0))
	assert.Contains(t, removed, version.FileName(1))
}

func TestCleanerRemovesIncompleteSegments(t *testing.T) {
	root := t.TempDir()
	l := newLoader(root)
	cleaner := &Cleaner{Layout: l.Layout, KeepVersionCount: 2}
	rt := model.RealtimeSegmentMask | 3

	require.NoError(t, segment.MakeDir(fs.Default, l.Layout.SegmentDir(7)))
	require.NoError(t, segment.MakeDir(fs.Default, l.Layout.SegmentDir(rt)))
	require.NoError(t, segment.MakeDir(fs.Default, l.Layout.SegmentDir(model.RealtimeSegmentMask|4)))

	removed, err := cleaner.Clean(t.Context(), Refs{Protected: []model.SegmentID{rt}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{l.Layout.SegmentDir(7), l.Layout.SegmentDir(model.RealtimeSegmentMask | 4)}, removed)
}

func TestDeployerCopiesMarkerLast(t *testing.T) {
	ctx := context.Background()
	offline := t.TempDir()
	src := newLoader(offline)
	writeSegment(t, src.Layout.SegmentDir(0), 0, nil, "a", "b")
	v := &version.Version{ID: 1, SchemaID: 1, Segments: []model.SegmentID{0}}
	require.NoError(t, version.Store(fs.Default, offline, v))

	primary := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(segment.PKFile, fs.Fault{FailOnWrite: true})
	dep := &Deployer{
		Secondary:   blobstore.NewLocalStore(offline),
		FS:          faulty,
		Layout:      Layout{Root: primary},
		Parallelism: 4,
	}

	latest, err := dep.LoadVersion(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, model.VersionID(1), latest.ID)

	require.Error(t, dep.Deploy(ctx, latest))
	ok, err := segment.IsComplete(fs.Default, filepath.Join(primary, segment.DirName(0)))
	require.NoError(t, err)
	assert.False(t, ok)
	ids, err := version.List(fs.Default, primary)
	require.NoError(t, err)
	assert.Empty(t, ids)

	faulty.Reset()
	require.NoError(t, dep.Deploy(ctx, latest))
	d, err := newLoader(primary).Load(ctx, schema, latest, nil, nil)
	require.NoError(t, err)
	defer d.Release()
	assert.Equal(t, 2, d.Count())

	stored, err := version.Load(fs.Default, primary, 1)
	require.NoError(t, err)
	assert.Equal(t, latest.Segments, stored.Segments)
}

func TestDeployerCachesListings(t *testing.T) {
	ctx := t.Context()
	offline := t.TempDir()
	writeSegment(t, newLoader(offline).Layout.SegmentDir(0), 0, nil, "a")

	secondary := blobstore.NewMemoryStore()
	entries, err := fs.Default.ReadDir(filepath.Join(offline, segment.DirName(0)))
	require.NoError(t, err)
	for _, e := range entries {
		name := segment.DirName(0) + "/" + e.Name()
		data, err := fs.ReadFile(fs.Default, filepath.Join(offline, filepath.FromSlash(name)))
		require.NoError(t, err)
		require.NoError(t, secondary.Put(ctx, name, data))
	}
	v := &version.Version{ID: 1, SchemaID: 1, Segments: []model.SegmentID{0}}

	dep := &Deployer{Secondary: secondary, Layout: Layout{Root: t.TempDir()}}
	require.NoError(t, dep.Deploy(ctx, v))
	require.NoError(t, dep.Deploy(ctx, v))
	assert.Equal(t, int64(1), secondary.Lists())

	dep.Forget(1)
	require.NoError(t, dep.Deploy(ctx, v))
	assert.Equal(t, int64(1), secondary.Lists())

	dep.Forget(2)
	require.NoError(t, dep.Deploy(ctx, v))
	assert.Equal(t, int64(2), secondary.Lists())
}

package reopen

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/internal/writer"
	"github.com/hupe1980/docindex/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schema = model.Schema{Name: "test", ID: 7}

func TestDecide(t *testing.T) {
	loaded := &version.Version{ID: 3, SchemaID: 7, Timestamp: 100}

	tests := []struct {
		name   string
		target *version.Version
		force  bool
		want   Decision
	}{
		{"same version", &version.Version{ID: 3, SchemaID: 7, Timestamp: 100}, false, NoNeedReopen},
		{"older version", &version.Version{ID: 2, SchemaID: 8, Timestamp: 50}, true, NoNeedReopen},
		{"schema changed", &version.Version{ID: 4, SchemaID: 8, Timestamp: 200}, false, InconsistentSchemaReopen},
		{"rollback", &version.Version{ID: 4, SchemaID: 7, Timestamp: 99}, false, IndexRollbackReopen},
		{"force", &version.Version{ID: 4, SchemaID: 7, Timestamp: 200}, true, ForceReopen},
		{"normal", &version.Version{ID: 4, SchemaID: 7, Timestamp: 100}, false, NormalReopen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.target, loaded, tt.force))
		})
	}

	assert.Equal(t, NormalReopen, Decide(&version.Version{ID: 1, SchemaID: 7}, nil, false))
	assert.Equal(t, "NO_NEED_REOPEN", NoNeedReopen.String())
}

func doc(kind model.OpKind, pk string, ts int64, fields ...string) *model.Document {
	d := &model.Document{Kind: kind, PK: pk, Timestamp: ts, Locator: model.Locator{Src: 1, Offset: ts}}
	if kind == model.OpAdd {
		d.Fields = map[string]string{"pk": pk}
	}
	for i := 0; i+1 < len(fields); i += 2 {
		if d.Fields == nil {
			d.Fields = map[string]string{}
		}
		d.Fields[fields[i]] = fields[i+1]
	}
	return d
}

type fixture struct {
	layout  partition.Layout
	loader  *partition.Loader
	readers *partition.ReaderContainer
	w       *writer.Writer
	v2      *version.Version
}

// newFixture commits two incremental versions and starts an online writer
// on the first one. Version 2 adds e and f and deletes b.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := t.Context()
	root := t.TempDir()
	layout := partition.Layout{Root: root}

	offline, err := writer.New(writer.Config{
		Layout: layout,
		Schema: schema,
		Data:   partition.New(schema, nil, nil, nil, nil),
	}, writer.Options{Online: false})
	require.NoError(t, err)
	for _, d := range []*model.Document{doc(model.OpAdd, "a", 1), doc(model.OpAdd, "b", 2), doc(model.OpAdd, "c", 3)} {
		require.NoError(t, offline.BuildDocument(d))
	}
	require.NoError(t, offline.DumpSegment(ctx))
	for _, d := range []*model.Document{doc(model.OpAdd, "e", 4), doc(model.OpDelete, "b", 5), doc(model.OpAdd, "f", 6)} {
		require.NoError(t, offline.BuildDocument(d))
	}
	require.NoError(t, offline.DumpSegment(ctx))
	require.NoError(t, offline.Close())

	v1, err := version.Load(fs.Default, root, 1)
	require.NoError(t, err)
	v2, err := version.Load(fs.Default, root, 2)
	require.NoError(t, err)
	require.Equal(t, int64(6), v2.Timestamp)

	loader := &partition.Loader{Layout: layout}
	data, err := loader.Load(ctx, schema, v1, nil, nil)
	require.NoError(t, err)

	f := &fixture{layout: layout, loader: loader, readers: partition.NewReaderContainer(), v2: v2}
	require.NoError(t, f.readers.Add(partition.NewReader(data)))
	f.w, err = writer.New(writer.Config{
		Layout: layout,
		Schema: schema,
		Data:   data,
		Publish: func(d *partition.Data) {
			if err := f.readers.Add(partition.NewReader(d)); err == nil {
				f.readers.EvictOld()
			}
		},
	}, writer.Options{Online: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.w.Close()
		f.readers.Close()
	})

	// First realtime segment is fully covered by version 2.
	require.NoError(t, f.w.BuildDocument(doc(model.OpAdd, "e", 4)))
	require.NoError(t, f.w.DumpSegment(ctx))
	for _, d := range []*model.Document{
		doc(model.OpDelete, "b", 5),
		doc(model.OpAdd, "f", 6),
		doc(model.OpUpdate, "a", 7, "n", "patched"),
		doc(model.OpAdd, "g", 8),
	} {
		require.NoError(t, f.w.BuildDocument(d))
	}
	require.NoError(t, f.w.DumpSegment(ctx))
	require.NoError(t, f.w.BuildDocument(doc(model.OpAdd, "h", 9)))
	return f
}

func (f *fixture) executor(fsys fs.FileSystem, quota *resource.BlockQuota) *Executor {
	return &Executor{
		FS:             fsys,
		Layout:         f.layout,
		Loader:         f.loader,
		Deployer:       &partition.Deployer{Layout: f.layout},
		Quota:          quota,
		RetryOnIOError: true,
	}
}

func (f *fixture) reader(t *testing.T) *partition.Reader {
	t.Helper()
	r := f.readers.Acquire()
	require.NotNil(t, r)
	t.Cleanup(r.DecRef)
	return r
}

func TestNormalReopenRedoesRealtimeOperations(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	rt1 := model.RealtimeSegmentMask
	rt2 := model.RealtimeSegmentMask | 1

	before := f.reader(t)
	assert.Equal(t, model.ReaderVersion{Inc: 1, Rt: 2}, before.Version())
	assert.Equal(t, 5, docCount(t, before))

	e := f.executor(nil, resource.NewController(resource.Config{}).NewResourceBlock())
	require.NoError(t, e.Normal(ctx, f.w, f.v2))

	r := f.reader(t)
	assert.Equal(t, model.ReaderVersion{Inc: 2, Rt: 3}, r.Version())
	assert.Equal(t, 5, docCount(t, r))

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "patched", got.Fields["n"])

	_, err = r.Get(ctx, "b")
	assert.ErrorIs(t, err, partition.ErrNotFound)

	for pk, seg := range map[string]model.SegmentID{"c": 0, "e": 1, "f": rt2, "g": rt2} {
		ref, ok := r.Data().Lookup(pk)
		require.True(t, ok, pk)
		assert.Equal(t, seg, ref.Segment, pk)
	}

	inc, rt := f.w.Versions()
	assert.Equal(t, model.VersionID(2), inc.ID)
	assert.Equal(t, []model.SegmentID{rt2}, rt.Segments)
	assert.Equal(t, model.VersionID(2), rt.IncVersion)
	stored, err := version.LoadLatest(fs.Default, f.layout.RtDir())
	require.NoError(t, err)
	assert.Equal(t, rt, stored)

	require.Len(t, f.w.Log().Segments(), 2)
	assert.Nil(t, f.w.Log().Get(rt1))

	// The building segment survived the reopen.
	require.NoError(t, f.w.DumpSegment(ctx))
	r = f.reader(t)
	assert.Equal(t, 6, docCount(t, r))
	_, err = r.Get(ctx, "h")
	require.NoError(t, err)

	// The old reader still sees the old versions.
	assert.Equal(t, 5, docCount(t, before))
	ref, ok := before.Data().Lookup("e")
	require.True(t, ok)
	assert.Equal(t, rt1, ref.Segment)
	_, err = before.Get(ctx, "b")
	assert.ErrorIs(t, err, partition.ErrNotFound)
	_, err = before.Get(ctx, "h")
	assert.ErrorIs(t, err, partition.ErrNotFound)
}

func TestNormalReopenRetriesWithoutQuota(t *testing.T) {
	f := newFixture(t)
	rc := resource.NewController(resource.Config{ResourceMemoryBytes: 1})

	err := f.executor(nil, rc.NewResourceBlock()).Normal(t.Context(), f.w, f.v2)
	require.ErrorIs(t, err, ErrReopenRetry)

	inc, _ := f.w.Versions()
	assert.Equal(t, model.VersionID(1), inc.ID)
	assert.Zero(t, rc.ResourceQuota().Used())
}

func TestNormalReopenFailureIsNotApplied(t *testing.T) {
	f := newFixture(t)
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(partition.RtDirName+"/version.3", fs.Fault{FailOnWrite: true})
	before := f.reader(t).Version()

	err := f.executor(ffs, resource.NewController(resource.Config{}).NewResourceBlock()).Normal(t.Context(), f.w, f.v2)
	require.ErrorIs(t, err, ErrReopenRetry)
	require.ErrorIs(t, err, fs.ErrInjected)

	inc, rt := f.w.Versions()
	assert.Equal(t, model.VersionID(1), inc.ID)
	assert.Equal(t, model.VersionID(2), rt.ID)
	assert.Len(t, f.w.Log().Segments(), 3)
	assert.Equal(t, before, f.reader(t).Version())
	assert.Equal(t, 5, docCount(t, f.reader(t)))

	// A later attempt succeeds.
	ffs.Reset()
	require.NoError(t, f.executor(ffs, resource.NewController(resource.Config{}).NewResourceBlock()).Normal(t.Context(), f.w, f.v2))
	assert.Equal(t, model.ReaderVersion{Inc: 2, Rt: 3}, f.reader(t).Version())
}

func TestExecutorClassify(t *testing.T) {
	ioErr := fmt.Errorf("redo before join: %w", fs.ErrInjected)

	e := &Executor{RetryOnIOError: true}
	assert.ErrorIs(t, e.classify(ioErr), ErrReopenRetry)
	assert.ErrorIs(t, e.classify(ioErr), fs.ErrInjected)
	assert.NotErrorIs(t, e.classify(context.Canceled), ErrReopenRetry)
	assert.NotErrorIs(t, e.classify(errors.New("boom")), ErrReopenRetry)
	assert.NoError(t, e.classify(nil))

	retry := fmt.Errorf("%w: no quota", ErrReopenRetry)
	assert.Same(t, retry, e.classify(retry))

	e.RetryOnIOError = false
	assert.NotErrorIs(t, e.classify(ioErr), ErrReopenRetry)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t)
	old := f.w.Snapshot()
	defer old.Release()

	n, err := Estimate(f.loader, f.v2, old, f.w.Log())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(6*RedoOpCost))
}

func TestReplayerSkipsSharedSegments(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	next, err := f.loader.Load(ctx, schema, f.v2, nil, nil)
	require.NoError(t, err)
	defer next.Release()

	r := NewReplayer(f.w.Log(), next, NewStrategy(f.v2.Segments))
	require.NoError(t, r.Redo(ctx))
	assert.Equal(t, 6, r.Redone())
	assert.Equal(t, f.w.Log().End(), r.Cursor())

	// f in segment 1 is left to the bitmap merge, the realtime copy of e
	// is dropped and the update of a is still redone.
	assert.False(t, r.Layer().IsDeleted(model.DocRef{Segment: 1, Doc: 1}))
	assert.True(t, r.Layer().IsDeleted(model.DocRef{Segment: model.RealtimeSegmentMask, Doc: 0}))
	assert.Equal(t, "patched", r.Layer().PatchOf(model.DocRef{Segment: 0, Doc: 0})["n"])

	// Nothing new to redo.
	require.NoError(t, r.Redo(ctx))
	assert.Equal(t, 6, r.Redone())
}

func docCount(t *testing.T, r *partition.Reader) int {
	t.Helper()
	n, err := r.Count()
	require.NoError(t, err)
	return n
}

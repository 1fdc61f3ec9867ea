package docindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hupe1980/docindex/blobstore"
	"github.com/hupe1980/docindex/catalog"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = model.Schema{Name: "docs", ID: 1}

func addDoc(pk string, ts int64) *model.Document {
	return &model.Document{
		Kind:      model.OpAdd,
		PK:        pk,
		Timestamp: ts,
		Fields:    map[string]string{"title": "doc " + pk},
		Locator:   model.Locator{Src: 1, Offset: ts},
	}
}

// buildVersions dumps one offline version per batch into dir.
func buildVersions(t *testing.T, dir string, batches ...[]*model.Document) {
	t.Helper()
	p, status, err := Open(t.Context(), dir, nil, testSchema, 0,
		WithOnline(false),
		WithCatalog(catalog.NewFileCatalog(nil, dir)),
	)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	for _, batch := range batches {
		for _, d := range batch {
			require.NoError(t, p.BuildDocument(d))
		}
		require.NoError(t, p.DumpSegment(t.Context()))
	}
	require.NoError(t, p.Close())
}

func openOnline(t *testing.T, primary, secondary string, opts ...Option) *Partition {
	t.Helper()
	p, status, err := Open(t.Context(), primary, blobstore.NewLocalStore(secondary), testSchema, 0, opts...)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func readerCount(t *testing.T, p *Partition) int {
	t.Helper()
	r, err := p.GetReader()
	require.NoError(t, err)
	defer r.DecRef()
	return docCount(t, r)
}

func TestDocCountCeiling(t *testing.T) {
	p := openOnline(t, t.TempDir(), t.TempDir(), WithMaxDocCount(100))
	ctx := t.Context()

	for i := range 150 {
		require.NoError(t, p.BuildDocument(addDoc(fmt.Sprintf("pk-%03d", i), int64(i+1))))
		need, err := p.NeedDump(1 << 40)
		require.NoError(t, err)
		if i < 99 {
			assert.False(t, need, "doc %d", i)
			continue
		}
		if i == 99 {
			require.True(t, need)
			require.NoError(t, p.DumpSegment(ctx))
		}
	}
	assert.Equal(t, 100, readerCount(t, p))

	require.NoError(t, p.DumpSegment(ctx))
	assert.Equal(t, 150, readerCount(t, p))
}

func TestReopenToLoadedVersion(t *testing.T) {
	secondary := t.TempDir()
	var batches [][]*model.Document
	for i := range 7 {
		batches = append(batches, []*model.Document{addDoc(fmt.Sprintf("pk-%d", i), int64(i+1))})
	}
	buildVersions(t, secondary, batches...)

	p := openOnline(t, t.TempDir(), secondary)
	before, err := p.Version()
	require.NoError(t, err)
	require.Equal(t, model.VersionID(7), before.Inc)

	status, err := p.Reopen(t.Context(), false, 7)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	after, err := p.Version()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 7, readerCount(t, p))
}

func TestReopenFailureKeepsServing(t *testing.T) {
	ctx := t.Context()
	secondary := t.TempDir()
	buildVersions(t, secondary, []*model.Document{addDoc("a", 1), addDoc("b", 2)})

	ffs := fs.NewFaultyFS(nil)
	p := openOnline(t, t.TempDir(), secondary, withFS(ffs))
	require.NoError(t, p.BuildDocument(addDoc("c", 10)))
	require.NoError(t, p.DumpSegment(ctx))
	before, err := p.Version()
	require.NoError(t, err)
	require.Equal(t, model.ReaderVersion{Inc: 1, Rt: 2}, before)

	buildVersions(t, secondary, []*model.Document{addDoc("d", 4)})
	ffs.AddRule(filepath.Join(partition.RtDirName, "version.3"), fs.Fault{FailOnWrite: true})

	status, err := p.Reopen(ctx, false, 0)
	require.Error(t, err)
	assert.Equal(t, StatusFileIOException, status)
	assert.True(t, status.Retryable())
	assert.ErrorIs(t, err, ErrReopenRetry)

	after, err := p.Version()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 3, readerCount(t, p))

	ffs.Reset()
	status, err = p.Reopen(ctx, false, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	after, err = p.Version()
	require.NoError(t, err)
	assert.Equal(t, model.ReaderVersion{Inc: 2, Rt: 3}, after)
	assert.Equal(t, 4, readerCount(t, p))
}

func TestHeldReaderSurvivesCleaning(t *testing.T) {
	ctx := t.Context()
	secondary := t.TempDir()
	primary := t.TempDir()
	buildVersions(t, secondary, []*model.Document{addDoc("a", 1)})

	p := openOnline(t, primary, secondary, WithKeepVersionCount(1))
	require.NoError(t, p.BuildDocument(addDoc("x", 2)))
	require.NoError(t, p.DumpSegment(ctx))
	held, err := p.GetReader()
	require.NoError(t, err)

	for i := range 3 {
		pk := fmt.Sprintf("n-%d", i)
		buildVersions(t, secondary, []*model.Document{addDoc(pk, int64(10+i))})
		status, err := p.Reopen(ctx, false, 0)
		require.NoError(t, err)
		require.Equal(t, StatusOK, status)
		_, err = p.CleanUnreferenced(ctx)
		require.NoError(t, err)
	}

	assert.DirExists(t, filepath.Join(primary, segment.DirName(0)))
	assert.DirExists(t, filepath.Join(primary, partition.RtDirName, segment.DirName(model.RealtimeSegmentMask)))
	for _, pk := range []string{"a", "x"} {
		doc, err := held.Get(ctx, pk)
		require.NoError(t, err)
		assert.Equal(t, "doc "+pk, doc.Fields["title"])
	}
	assert.Equal(t, 2, docCount(t, held))
	held.DecRef()

	// x is older than the deployed versions and was reclaimed.
	assert.Equal(t, 4, readerCount(t, p))
}

func TestForceReopen(t *testing.T) {
	ctx := t.Context()
	secondary := t.TempDir()
	buildVersions(t, secondary, []*model.Document{addDoc("a", 1)})

	p := openOnline(t, t.TempDir(), secondary)
	require.NoError(t, p.BuildDocument(addDoc("rt", 5)))
	require.NoError(t, p.DumpSegment(ctx))
	require.Equal(t, 2, readerCount(t, p))

	buildVersions(t, secondary, []*model.Document{addDoc("b", 2)})
	status, err := p.Reopen(ctx, true, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	r, err := p.GetReader()
	require.NoError(t, err)
	defer r.DecRef()
	assert.Equal(t, 2, docCount(t, r))
	_, err = r.Get(ctx, "rt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, model.VersionID(2), r.Version().Inc)
}

func TestOpenStatus(t *testing.T) {
	secondary := t.TempDir()
	buildVersions(t, secondary, []*model.Document{addDoc("a", 1)})

	_, status, err := Open(t.Context(), t.TempDir(), blobstore.NewLocalStore(secondary), model.Schema{Name: "other", ID: 2}, 0)
	assert.ErrorIs(t, err, ErrInconsistentSchema)
	assert.Equal(t, StatusInconsistentSchema, status)

	_, status, err = Open(t.Context(), t.TempDir(), blobstore.NewLocalStore(secondary), testSchema, 9)
	assert.ErrorIs(t, err, ErrVersionNotFound)
	assert.Equal(t, StatusEngineException, status)
}

func TestOfflinePartition(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewMemoryCatalog()
	p, _, err := Open(t.Context(), dir, nil, testSchema, 0, WithOnline(false), WithCatalog(cat))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.BuildDocument(addDoc("a", 1)))
	ok, err := p.DumpWithMemLimit(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []model.VersionID{1}, cat.Commits())

	require.NoError(t, p.Flush(t.Context()))
	loc, err := p.FlushedLocator()
	require.NoError(t, err)
	assert.Equal(t, int64(1), loc.Offset)

	status, err := p.Reopen(t.Context(), false, 0)
	assert.ErrorIs(t, err, ErrOfflineReopen)
	assert.Equal(t, StatusEngineException, status)
}

func TestBuildErrors(t *testing.T) {
	p := openOnline(t, t.TempDir(), t.TempDir(), WithAsyncDump(true))

	err := p.BuildDocument(&model.Document{Kind: model.OpUpdate, PK: "a", Timestamp: 1})
	var be *BuildError
	require.ErrorAs(t, err, &be)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.BuildDocument(addDoc("a", 1)), ErrClosed)
	status, err := p.Reopen(t.Context(), false, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StatusEngineException, status)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OpenStatus
	}{
		{"nil", nil, StatusOK},
		{"schema", fmt.Errorf("x: %w", ErrInconsistentSchema), StatusInconsistentSchema},
		{"rollback", ErrIndexRollback, StatusIndexRollback},
		{"retry", fmt.Errorf("%w: no quota", ErrReopenRetry), StatusFail},
		{"io", fmt.Errorf("%w: %w", ErrReopenRetry, fs.ErrInjected), StatusFileIOException},
		{"closed", ErrClosed, StatusEngineException},
		{"unknown", errors.New("boom"), StatusUnknownException},
		{"canceled", context.Canceled, StatusUnknownException},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
	assert.Equal(t, "INDEX_ROLLBACK", StatusIndexRollback.String())
	assert.False(t, StatusInconsistentSchema.Retryable())
}

func docCount(t *testing.T, r *Reader) int {
	t.Helper()
	n, err := r.Count()
	require.NoError(t, err)
	return n
}

package segment

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hupe1980/docindex/internal/cache"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addDoc(pk string, ts int64) *model.Document {
	return &model.Document{
		Kind:      model.OpAdd,
		PK:        pk,
		Fields:    map[string]string{"title": "title of " + pk, "body": "lorem ipsum lorem ipsum lorem ipsum"},
		Timestamp: ts,
		Locator:   model.Locator{Src: 1, Offset: ts},
	}
}

func TestTableForwardOnly(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Register(1))
	require.NoError(t, tbl.Register(2))
	assert.ErrorIs(t, tbl.Register(2), ErrIDReused)
	assert.ErrorIs(t, tbl.Register(1), ErrIDReused)

	require.NoError(t, tbl.Transition(1, StateWaitingToDump))
	require.NoError(t, tbl.Transition(1, StateDumping))
	require.NoError(t, tbl.Transition(1, StateDumping))
	require.NoError(t, tbl.Transition(1, StateDumped))
	assert.ErrorIs(t, tbl.Transition(1, StateBuilding), ErrInvalidTransition)
	assert.ErrorIs(t, tbl.Transition(1, StateDumped), ErrInvalidTransition)
	assert.ErrorIs(t, tbl.Transition(9, StateDumped), ErrUnknownSegment)

	assert.Equal(t, []model.SegmentID{2}, tbl.Active())
	assert.Equal(t, []model.SegmentID{1}, tbl.InState(StateDumped))

	tbl.Remove(1)
	assert.ErrorIs(t, tbl.Register(1), ErrIDReused)

	rt := model.RealtimeSegmentMask | 1
	require.NoError(t, tbl.Register(rt))
	tbl.Floor(model.RealtimeSegmentMask | 5)
	assert.ErrorIs(t, tbl.Register(model.RealtimeSegmentMask|5), ErrIDReused)
	require.NoError(t, tbl.Register(model.RealtimeSegmentMask|6))
}

func TestDirName(t *testing.T) {
	rt := model.RealtimeSegmentMask | 3
	id, ok := ParseDirName(DirName(rt))
	assert.True(t, ok)
	assert.Equal(t, rt, id)

	_, ok = ParseDirName("segment_x")
	assert.False(t, ok)
	_, ok = ParseDirName("version.1")
	assert.False(t, ok)
}

func TestCompressionRoundTrip(t *testing.T) {
	src := []byte(`{"pk":"a","fields":{"body":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}}`)
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(string(c), func(t *testing.T) {
			frame, err := compressRecord(nil, src, c)
			require.NoError(t, err)
			out, err := decompressRecord(frame)
			require.NoError(t, err)
			assert.Equal(t, src, out)
		})
	}

	_, err := ParseCompression("snappy")
	assert.Error(t, err)
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)
}

func TestBuildingChargesQuota(t *testing.T) {
	q := resource.NewBlockQuota(nil, 1024)
	b := NewBuilding(1, q, BuildOptions{Schema: model.Schema{ID: 7}})

	for i := range 10 {
		doc, err := b.Add(addDoc(fmt.Sprintf("pk-%d", i), int64(i+1)))
		require.NoError(t, err)
		assert.Equal(t, model.DocID(i), doc)
	}
	assert.Equal(t, 10, b.DocCount())
	assert.Equal(t, b.EstimateMemory(), q.Used())

	info := b.Info()
	assert.Equal(t, int64(1), info.MinTimestamp)
	assert.Equal(t, int64(10), info.MaxTimestamp)
	assert.Equal(t, uint32(7), info.SchemaID)
	assert.Equal(t, []string{"pk", "docstore"}, info.Indexers)

	doc, ok := b.Lookup("pk-3")
	require.True(t, ok)
	got, err := b.Get(doc)
	require.NoError(t, err)
	assert.Equal(t, "pk-3", got.PK)

	b.Release()
	assert.Equal(t, int64(0), q.Used())
}

func TestBuildingDeferredDuplicates(t *testing.T) {
	b := NewBuilding(1, nil, BuildOptions{DeferredDedup: true})
	_, err := b.Add(addDoc("a", 1))
	require.NoError(t, err)
	_, err = b.Add(addDoc("b", 2))
	require.NoError(t, err)
	_, err = b.Add(addDoc("a", 3))
	require.NoError(t, err)

	assert.Equal(t, []model.DocID{0}, b.Superseded())
	doc, ok := b.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, model.DocID(2), doc)
}

func TestBuildingIsFull(t *testing.T) {
	b := NewBuilding(1, nil, BuildOptions{MaxPKs: 2})
	_, err := b.Add(addDoc("a", 1))
	require.NoError(t, err)
	assert.False(t, b.IsFull())
	_, err = b.Add(addDoc("b", 1))
	require.NoError(t, err)
	assert.True(t, b.IsFull())
}

type countingIndexer struct {
	added int
}

func (c *countingIndexer) Name() string { return "counting" }

func (c *countingIndexer) Add(model.DocID, *model.Document) error {
	c.added++
	return nil
}

func (c *countingIndexer) EstimateMemory() int64 { return int64(c.added) }

func (c *countingIndexer) EstimateDumpTempMemory() int64 { return 0 }

func (c *countingIndexer) EstimateDumpFileSize() int64 { return 8 }

func (c *countingIndexer) IsFull() bool { return false }

func (c *countingIndexer) Dump(context.Context, fs.FileSystem, string) error { return nil }

func dumpBuilding(t *testing.T, fsys fs.FileSystem, dir string, b *Building) {
	t.Helper()
	require.NoError(t, MakeDir(fsys, dir))
	require.NoError(t, b.DumpIndexers(t.Context(), fsys, dir, 2))
	require.NoError(t, StoreInfo(fsys, dir, b.Info()))
	require.NoError(t, WriteMarker(fsys, dir))
}

func TestDumpAndOpen(t *testing.T) {
	root := t.TempDir()
	extra := &countingIndexer{}
	b := NewBuilding(3, nil, BuildOptions{
		Compression: CompressionZSTD,
		Factories:   []IndexerFactory{func(model.Schema) Indexer { return extra }},
	})
	for i := range 25 {
		_, err := b.Add(addDoc(fmt.Sprintf("pk-%d", i), int64(i)))
		require.NoError(t, err)
	}
	b.Seal()
	_, err := b.Add(addDoc("late", 99))
	assert.Error(t, err)
	assert.Equal(t, 25, extra.added)

	dir := filepath.Join(root, DirName(3))
	dumpBuilding(t, fs.Default, dir, b)

	lru := cache.NewLRUBlockCache(1<<20, nil)
	q := resource.NewBlockQuota(nil, 1024)
	d, err := Open(fs.Default, dir, 3, DiskOptions{Cache: lru, Quota: q})
	require.NoError(t, err)
	assert.Equal(t, 25, d.DocCount())
	assert.Equal(t, CompressionZSTD, d.Info().Compression)
	assert.Equal(t, d.MemoryUsage(), q.Used())

	doc, ok := d.Lookup("pk-17")
	require.True(t, ok)
	got, err := d.Get(t.Context(), doc)
	require.NoError(t, err)
	assert.Equal(t, "pk-17", got.PK)
	assert.Equal(t, "title of pk-17", got.Fields["title"])

	// Second read is served from the cache.
	_, err = d.Get(t.Context(), doc)
	require.NoError(t, err)
	hits, _ := lru.Stats()
	assert.Equal(t, int64(1), hits)

	count := 0
	require.NoError(t, d.Iterate(t.Context(), func(model.DocID, *model.Document) error {
		count++
		return nil
	}))
	assert.Equal(t, 25, count)

	size, err := LoadSize(fs.Default, dir)
	require.NoError(t, err)
	assert.Positive(t, size)

	released := false
	d.SetOnRelease(func() { released = true })
	d.IncRef()
	d.DecRef()
	assert.False(t, released)
	d.DecRef()
	assert.True(t, released)
	assert.False(t, d.TryIncRef())
	assert.Equal(t, int64(0), q.Used())
	assert.Equal(t, 0, lru.Len())
}

func TestOpenRequiresMarker(t *testing.T) {
	root := t.TempDir()
	b := NewBuilding(1, nil, BuildOptions{})
	_, err := b.Add(addDoc("a", 1))
	require.NoError(t, err)

	dir := filepath.Join(root, DirName(1))
	require.NoError(t, MakeDir(fs.Default, dir))
	require.NoError(t, b.DumpIndexers(t.Context(), fs.Default, dir, 1))
	require.NoError(t, StoreInfo(fs.Default, dir, b.Info()))

	_, err = Open(fs.Default, dir, 1, DiskOptions{})
	assert.ErrorIs(t, err, ErrIncomplete)

	ids, err := ListDirs(fs.Default, root)
	require.NoError(t, err)
	assert.Equal(t, []model.SegmentID{1}, ids)
}

func TestMarkerIsNotWrittenOnFailedDump(t *testing.T) {
	root := t.TempDir()
	faulty := fs.NewFaultyFS(fs.Default)
	faulty.AddRule(DataFile, fs.Fault{FailOnWrite: true})

	b := NewBuilding(1, nil, BuildOptions{})
	_, err := b.Add(addDoc("a", 1))
	require.NoError(t, err)

	dir := filepath.Join(root, DirName(1))
	require.NoError(t, MakeDir(faulty, dir))
	require.Error(t, b.DumpIndexers(t.Context(), faulty, dir, 2))

	ok, err := IsComplete(fs.Default, dir)
	require.NoError(t, err)
	assert.False(t, ok)

	// A retry into the same directory succeeds once the fault is gone.
	faulty.Reset()
	dumpBuilding(t, faulty, dir, b)
	_, err = Open(faulty, dir, 1, DiskOptions{})
	require.NoError(t, err)
}

package catalog

import (
	"testing"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T, c Catalog) {
	t.Helper()
	ctx := t.Context()

	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.VersionID(0), latest)

	require.NoError(t, c.Commit(ctx, 1))
	require.NoError(t, c.Commit(ctx, 3))
	assert.ErrorIs(t, c.Commit(ctx, 3), ErrStaleCommit)
	assert.ErrorIs(t, c.Commit(ctx, 2), ErrStaleCommit)

	latest, err = c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.VersionID(3), latest)
}

func TestFileCatalog(t *testing.T) {
	dir := t.TempDir()
	testCatalog(t, NewFileCatalog(nil, dir))

	// A fresh instance reads the persisted pointer.
	latest, err := NewFileCatalog(fs.Default, dir).Latest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, model.VersionID(3), latest)
}

func TestMemoryCatalog(t *testing.T) {
	c := NewMemoryCatalog()
	testCatalog(t, c)
	assert.Equal(t, []model.VersionID{1, 3}, c.Commits())
}

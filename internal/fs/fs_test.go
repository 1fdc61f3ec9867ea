package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "subdir")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	fpath := filepath.Join(dir, "test.txt")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	size, err := FileSize(lfs, fpath)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, lfs.RemoveAll(dir))
	ok, err := Exists(lfs, dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CURRENT")

	require.NoError(t, WriteFileAtomic(Default, path, []byte("1")))
	require.NoError(t, WriteFileAtomic(Default, path, []byte("22")))

	data, err := ReadFile(Default, path)
	require.NoError(t, err)
	assert.Equal(t, "22", string(data))

	ok, err := Exists(Default, path+".tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteFileAtomic_FailedSyncKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "version.1")
	require.NoError(t, WriteFileAtomic(Default, path, []byte("old")))

	ffs := NewFaultyFS(nil)
	ffs.AddRule("version.1.tmp", Fault{FailOnSync: true})

	err := WriteFileAtomic(ffs, path, []byte("new"))
	require.Error(t, err)
	assert.True(t, IsIOError(err))

	data, err := ReadFile(Default, path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestFaultyFS_Rules(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	custom := errors.New("disk on fire")

	ffs.AddRule("data", Fault{FailAfterBytes: 4, Err: custom})
	err := WriteFile(ffs, filepath.Join(dir, "data"), []byte("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, custom)
	assert.ErrorIs(t, err, ErrInjected)

	ffs.AddRule("marker", Fault{FailOnOpen: true, Times: 1})
	_, err = ffs.OpenFile(filepath.Join(dir, "marker"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.Error(t, err)
	// The rule fired once and is gone.
	f, err := ffs.OpenFile(filepath.Join(dir, "marker"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ffs.AddRule("target", Fault{FailOnRename: true})
	err = ffs.Rename(filepath.Join(dir, "marker"), filepath.Join(dir, "target"))
	assert.ErrorIs(t, err, ErrInjected)

	ffs.Reset()
	require.NoError(t, ffs.Rename(filepath.Join(dir, "marker"), filepath.Join(dir, "target")))
}

func TestIsIOError(t *testing.T) {
	assert.False(t, IsIOError(nil))
	assert.False(t, IsIOError(os.ErrNotExist))
	assert.False(t, IsIOError(errors.New("logic")))
	assert.True(t, IsIOError(ErrInjected))
	assert.True(t, IsIOError(&os.PathError{Op: "read", Path: "x", Err: errors.New("eio")}))
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, Interval: time.Millisecond}

	calls := 0
	err := Retry(t.Context(), policy, func() error {
		calls++
		if calls < 3 {
			return ErrInjected
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	logic := errors.New("logic")
	err = Retry(t.Context(), policy, func() error {
		calls++
		return logic
	})
	assert.ErrorIs(t, err, logic)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(t.Context(), policy, func() error {
		calls++
		return ErrInjected
	})
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 4, calls)
}

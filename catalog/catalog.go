// Package catalog is the version publication touchpoint of a partition: it
// records which version id is committed and answers which one is latest.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
)

var (
	// ErrStaleCommit is returned when committing a version id that is not
	// newer than the latest committed one.
	ErrStaleCommit = errors.New("catalog: version is not newer than the latest commit")

	// ErrConcurrentModification is returned when another writer committed
	// the same version id first.
	ErrConcurrentModification = errors.New("catalog: concurrent modification detected")
)

// Catalog publishes committed versions.
type Catalog interface {
	// Commit publishes id as the latest version.
	Commit(ctx context.Context, id model.VersionID) error
	// Latest returns the latest committed version id, 0 if none.
	Latest(ctx context.Context) (model.VersionID, error)
}

// CurrentFile is the name of the pointer file written by FileCatalog.
const CurrentFile = "CURRENT"

// FileCatalog stores the latest version id in a CURRENT file.
type FileCatalog struct {
	mu   sync.Mutex
	fsys fs.FileSystem
	path string
}

// NewFileCatalog creates a catalog storing its pointer in dir.
func NewFileCatalog(fsys fs.FileSystem, dir string) *FileCatalog {
	return &FileCatalog{fsys: fs.Or(fsys), path: filepath.Join(dir, CurrentFile)}
}

// Commit atomically replaces the CURRENT pointer.
func (c *FileCatalog) Commit(_ context.Context, id model.VersionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.latest()
	if err != nil {
		return err
	}
	if id <= latest {
		return fmt.Errorf("%w: %d <= %d", ErrStaleCommit, id, latest)
	}
	if err := c.fsys.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return fs.WriteFileAtomic(c.fsys, c.path, []byte(strconv.FormatUint(uint64(id), 10)))
}

// Latest reads the CURRENT pointer.
func (c *FileCatalog) Latest(_ context.Context) (model.VersionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest()
}

func (c *FileCatalog) latest() (model.VersionID, error) {
	ok, err := fs.Exists(c.fsys, c.path)
	if err != nil || !ok {
		return 0, err
	}
	data, err := fs.ReadFile(c.fsys, c.path)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("catalog: corrupt %s: %w", c.path, err)
	}
	return model.VersionID(id), nil
}

// MemoryCatalog is an in-memory Catalog for tests.
type MemoryCatalog struct {
	mu     sync.Mutex
	latest model.VersionID
	log    []model.VersionID
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{}
}

func (c *MemoryCatalog) Commit(_ context.Context, id model.VersionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.latest {
		return fmt.Errorf("%w: %d <= %d", ErrStaleCommit, id, c.latest)
	}
	c.latest = id
	c.log = append(c.log, id)
	return nil
}

func (c *MemoryCatalog) Latest(_ context.Context) (model.VersionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, nil
}

// Commits returns every committed id in order.
func (c *MemoryCatalog) Commits() []model.VersionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.VersionID(nil), c.log...)
}

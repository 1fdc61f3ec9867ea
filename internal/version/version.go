// Package version implements immutable, monotonically numbered partition
// versions and their on-disk files ("version.<id>").
package version

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/docindex/blobstore"
	"github.com/hupe1980/docindex/codec"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
)

// ErrNotFound is returned when a version file does not exist.
var ErrNotFound = errors.New("version not found")

const filePrefix = "version."

// Version is an ordered list of committed segments. A stored version is
// never mutated, only superseded by a version with a higher id.
type Version struct {
	ID        model.VersionID   `json:"id"`
	SchemaID  uint32            `json:"schema_id"`
	Timestamp int64             `json:"timestamp"`
	Locator   model.Locator     `json:"locator"`
	Segments  []model.SegmentID `json:"segments"`
	// LastSegmentID is the highest segment id ever allocated on this chain,
	// including segments no longer referenced.
	LastSegmentID model.SegmentID `json:"last_segment_id"`
	// IncVersion is set on realtime versions and names the incremental
	// version they were built on.
	IncVersion model.VersionID `json:"inc_version,omitempty"`
}

// New returns the empty version 0.
func New(schemaID uint32) *Version {
	return &Version{SchemaID: schemaID}
}

// Clone returns a deep copy.
func (v *Version) Clone() *Version {
	c := *v
	c.Segments = slices.Clone(v.Segments)
	return &c
}

// Next returns a copy with the id incremented.
func (v *Version) Next() *Version {
	c := v.Clone()
	c.ID++
	return c
}

// Contains reports whether the version references seg.
func (v *Version) Contains(seg model.SegmentID) bool {
	return v != nil && slices.Contains(v.Segments, seg)
}

// AddSegment appends seg and advances timestamp and locator.
func (v *Version) AddSegment(seg model.SegmentID, ts int64, loc model.Locator) {
	v.Segments = append(v.Segments, seg)
	v.LastSegmentID = max(v.LastSegmentID, seg)
	v.Timestamp = max(v.Timestamp, ts)
	v.Locator = v.Locator.Max(loc)
}

// Without returns a copy of v that no longer references segs.
func (v *Version) Without(segs []model.SegmentID) *Version {
	c := v.Clone()
	c.Segments = slices.DeleteFunc(c.Segments, func(id model.SegmentID) bool {
		return slices.Contains(segs, id)
	})
	return c
}

// Diff returns the segments of v that old does not reference.
func (v *Version) Diff(old *Version) []model.SegmentID {
	var out []model.SegmentID
	for _, seg := range v.Segments {
		if !old.Contains(seg) {
			out = append(out, seg)
		}
	}
	return out
}

// Shared returns the segments referenced by both versions.
func (v *Version) Shared(old *Version) []model.SegmentID {
	var out []model.SegmentID
	for _, seg := range v.Segments {
		if old.Contains(seg) {
			out = append(out, seg)
		}
	}
	return out
}

func (v *Version) String() string {
	return fmt.Sprintf("version %d (schema %d, ts %d, %d segments)", v.ID, v.SchemaID, v.Timestamp, len(v.Segments))
}

// FileName returns the file name of version id.
func FileName(id model.VersionID) string {
	return filePrefix + strconv.FormatUint(uint64(id), 10)
}

// ParseFileName extracts the id from a version file name.
func ParseFileName(name string) (model.VersionID, bool) {
	rest, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return model.VersionID(id), true
}

// Encode serializes v.
func Encode(v *Version) ([]byte, error) {
	return codec.Encode(v)
}

// Decode parses a version file.
func Decode(data []byte) (*Version, error) {
	v, err := codec.Decode[Version]("version", data)
	if err != nil {
		return nil, err
	}
	if v.ID == 0 {
		return nil, fmt.Errorf("%w: version without id", codec.ErrCorrupt)
	}
	return &v, nil
}

// Store writes v into dir atomically.
func Store(fsys fs.FileSystem, dir string, v *Version) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsys, filepath.Join(dir, FileName(v.ID)), data)
}

// Load reads version id from dir.
func Load(fsys fs.FileSystem, dir string, id model.VersionID) (*Version, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, FileName(id)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d in %s", ErrNotFound, id, dir)
		}
		return nil, err
	}
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if v.ID != id {
		return nil, fmt.Errorf("decode version: file %d holds id %d", id, v.ID)
	}
	return v, nil
}

// List returns the ids of all versions in dir in ascending order.
func List(fsys fs.FileSystem, dir string) ([]model.VersionID, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []model.VersionID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := ParseFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// LoadLatest returns the newest version in dir, or nil if there is none.
func LoadLatest(fsys fs.FileSystem, dir string) (*Version, error) {
	ids, err := List(fsys, dir)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return Load(fsys, dir, ids[len(ids)-1])
}

// Remove deletes version id from dir.
func Remove(fsys fs.FileSystem, dir string, id model.VersionID) error {
	err := fsys.Remove(filepath.Join(dir, FileName(id)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ListFrom returns the ids of all versions in a blob store root.
func ListFrom(ctx context.Context, store blobstore.BlobStore) ([]model.VersionID, error) {
	names, err := store.List(ctx, filePrefix)
	if err != nil {
		return nil, err
	}
	var ids []model.VersionID
	for _, name := range names {
		if id, ok := ParseFileName(name); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// LoadFrom reads version id from a blob store. id 0 selects the latest.
func LoadFrom(ctx context.Context, store blobstore.BlobStore, id model.VersionID) (*Version, error) {
	if id == 0 {
		ids, err := ListFrom(ctx, store)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: no versions in secondary", ErrNotFound)
		}
		id = ids[len(ids)-1]
	}
	data, err := blobstore.ReadAll(ctx, store, FileName(id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d in secondary", ErrNotFound, id)
		}
		return nil, err
	}
	return Decode(data)
}

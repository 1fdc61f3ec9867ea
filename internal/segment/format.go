package segment

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/docindex/codec"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
)

const (
	DataFile     = "data"
	OffsetsFile  = "offsets"
	PKFile       = "pk"
	InfoFile     = "segment_info"
	MarkerFile   = "segment_complete"
	dirPrefix    = "segment_"
	markerBody   = "complete"
	dirMode      = 0o755
)

// ErrIncomplete is returned when opening a directory without completion
// marker.
var ErrIncomplete = errors.New("segment incomplete")

// Info is the per-segment metadata record.
type Info struct {
	ID           model.SegmentID `json:"id"`
	DocCount     int             `json:"doc_count"`
	MinTimestamp int64           `json:"min_ts"`
	MaxTimestamp int64           `json:"max_ts"`
	Locator      model.Locator   `json:"locator"`
	SchemaID     uint32          `json:"schema_id"`
	Compression  Compression     `json:"compression"`
	Indexers     []string        `json:"indexers"`
}

func (i *Info) observe(ts int64, loc model.Locator) {
	if i.DocCount == 0 || ts < i.MinTimestamp {
		i.MinTimestamp = ts
	}
	i.MaxTimestamp = max(i.MaxTimestamp, ts)
	i.Locator = i.Locator.Max(loc)
}

// DirName returns the directory name of segment id.
func DirName(id model.SegmentID) string {
	return dirPrefix + strconv.FormatUint(uint64(id), 10)
}

// ParseDirName extracts the segment id from a directory name.
func ParseDirName(name string) (model.SegmentID, bool) {
	rest, ok := strings.CutPrefix(name, dirPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || model.SegmentID(id) == model.InvalidSegmentID {
		return 0, false
	}
	return model.SegmentID(id), true
}

// StoreInfo writes segment_info into dir and fsyncs it.
func StoreInfo(fsys fs.FileSystem, dir string, info Info) error {
	data, err := codec.Encode(info)
	if err != nil {
		return err
	}
	return fs.WriteFile(fsys, filepath.Join(dir, InfoFile), data)
}

// LoadInfo reads segment_info from dir.
func LoadInfo(fsys fs.FileSystem, dir string) (Info, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, InfoFile))
	if err != nil {
		return Info{}, err
	}
	return codec.Decode[Info](InfoFile, data)
}

// WriteMarker atomically writes the completion marker. It must be the last
// write into a segment directory.
func WriteMarker(fsys fs.FileSystem, dir string) error {
	return fs.WriteFileAtomic(fsys, filepath.Join(dir, MarkerFile), []byte(markerBody))
}

// IsComplete reports whether dir carries the completion marker.
func IsComplete(fsys fs.FileSystem, dir string) (bool, error) {
	return fs.Exists(fsys, filepath.Join(dir, MarkerFile))
}

// MakeDir creates a fresh segment directory, removing leftovers of an
// earlier failed attempt.
func MakeDir(fsys fs.FileSystem, dir string) error {
	if err := fsys.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return fsys.MkdirAll(dir, dirMode)
}

// ListDirs returns the segment ids found in root, complete or not.
func ListDirs(fsys fs.FileSystem, root string) ([]model.SegmentID, error) {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []model.SegmentID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := ParseDirName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LoadSize returns the bytes a Disk segment for dir keeps resident,
// excluding overlay files.
func LoadSize(fsys fs.FileSystem, dir string) (int64, error) {
	var total int64
	for _, name := range []string{OffsetsFile, PKFile} {
		n, err := fs.FileSize(fsys, filepath.Join(dir, name))
		if err != nil {
			return 0, err
		}
		total += n
	}
	// The pk map costs about three times its file size.
	return total * 3, nil
}

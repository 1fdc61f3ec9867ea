package partition

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/model"
)

// Refs names everything the cleaner must keep.
type Refs struct {
	// Data lists the writer's data and the data of every resident reader.
	Data []*Data
	// Protected lists segments being built or dumped.
	Protected []model.SegmentID
}

func (r Refs) versions(realtime bool) map[model.VersionID]struct{} {
	out := make(map[model.VersionID]struct{})
	for _, d := range r.Data {
		v := d.IncVersion()
		if realtime {
			v = d.RtVersion()
		}
		out[v.ID] = struct{}{}
	}
	return out
}

func (r Refs) segments() map[model.SegmentID]struct{} {
	out := make(map[model.SegmentID]struct{})
	for _, d := range r.Data {
		for _, s := range d.disks {
			out[s.ID()] = struct{}{}
		}
	}
	for _, id := range r.Protected {
		out[id] = struct{}{}
	}
	return out
}

// Cleaner removes version files and segment directories nothing refers to.
type Cleaner struct {
	FS     fs.FileSystem
	Layout Layout
	// KeepVersionCount is the number of newest versions kept per chain.
	KeepVersionCount int
	Logger           *slog.Logger
}

// Clean removes unreferenced versions and segments of both chains and
// returns the removed paths.
func (c *Cleaner) Clean(ctx context.Context, refs Refs) ([]string, error) {
	var removed []string
	segs := refs.segments()
	for _, realtime := range []bool{false, true} {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		r, err := c.cleanChain(realtime, refs.versions(realtime), segs)
		removed = append(removed, r...)
		if err != nil {
			return removed, err
		}
	}
	if len(removed) > 0 && c.Logger != nil {
		c.Logger.Info("cleaned unreferenced files", "count", len(removed))
	}
	return removed, nil
}

func (c *Cleaner) cleanChain(realtime bool, heldVersions map[model.VersionID]struct{}, heldSegments map[model.SegmentID]struct{}) ([]string, error) {
	fsys := fs.Or(c.FS)
	dir := c.Layout.VersionDir(realtime)

	ids, err := version.List(fsys, dir)
	if err != nil {
		return nil, err
	}
	keep := max(c.KeepVersionCount, 1)

	var removed []string
	keepSegs := make(map[model.SegmentID]struct{}, len(heldSegments))
	for id := range heldSegments {
		keepSegs[id] = struct{}{}
	}
	for i, id := range slices.Backward(ids) {
		_, held := heldVersions[id]
		if i >= len(ids)-keep || held {
			v, err := version.Load(fsys, dir, id)
			if err != nil {
				return removed, err
			}
			for _, seg := range v.Segments {
				keepSegs[seg] = struct{}{}
			}
			continue
		}
		if err := version.Remove(fsys, dir, id); err != nil {
			return removed, err
		}
		removed = append(removed, version.FileName(id))
	}

	segIDs, err := segment.ListDirs(fsys, dir)
	if err != nil {
		return removed, err
	}
	for _, id := range segIDs {
		if _, ok := keepSegs[id]; ok {
			continue
		}
		path := c.Layout.SegmentDir(id)
		if id.IsRealtime() != realtime {
			continue
		}
		if err := fsys.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, path)
	}
	return removed, nil
}

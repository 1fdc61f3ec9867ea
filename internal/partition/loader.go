package partition

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hupe1980/docindex/internal/cache"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/modifier"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/model"
)

// RtDirName is the directory holding realtime versions and segments.
const RtDirName = "rt"

// Layout resolves paths below a primary directory.
type Layout struct {
	Root string
}

// IncDir returns the directory of incremental versions and segments.
func (l Layout) IncDir() string { return l.Root }

// RtDir returns the directory of realtime versions and segments.
func (l Layout) RtDir() string { return filepath.Join(l.Root, RtDirName) }

// VersionDir returns the directory of the realtime or the incremental
// chain.
func (l Layout) VersionDir(realtime bool) string {
	if realtime {
		return l.RtDir()
	}
	return l.IncDir()
}

// SegmentDir returns the directory of segment id.
func (l Layout) SegmentDir(id model.SegmentID) string {
	return filepath.Join(l.VersionDir(id.IsRealtime()), segment.DirName(id))
}

// Loader opens partition data from the primary directory.
type Loader struct {
	FS     fs.FileSystem
	Layout Layout
	Cache  cache.BlockCache
	Quota  *resource.BlockQuota
	Retry  fs.RetryPolicy
	Logger *slog.Logger
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

// Load opens the segments of inc and rt. Segments loaded by reuse are
// shared instead of opened again. Overlay files of realtime segments that
// target incremental segments are not loaded; those operations are
// redone from the operation log.
func (l *Loader) Load(ctx context.Context, schema model.Schema, inc, rt *version.Version, reuse *Data) (*Data, error) {
	if inc == nil {
		inc = version.New(schema.ID)
	}
	if rt == nil {
		rt = version.New(schema.ID)
	}

	var (
		opened []*segment.Disk
		disks  []*segment.Disk
	)
	cleanup := func() {
		for _, s := range opened {
			s.DecRef()
		}
	}

	ids := append(append([]model.SegmentID(nil), inc.Segments...), rt.Segments...)
	for _, id := range ids {
		if reuse != nil {
			if s := reuse.Disk(id); s != nil {
				disks = append(disks, s)
				continue
			}
		}
		s, err := l.openSegment(ctx, id)
		if err != nil {
			cleanup()
			return nil, err
		}
		opened = append(opened, s)
		disks = append(disks, s)
	}

	state := modifier.Empty
	for _, id := range ids {
		keep := func(target model.SegmentID) bool { return !id.IsRealtime() || target.IsRealtime() }
		layer, err := l.loadLayer(ctx, id, keep)
		if err != nil {
			cleanup()
			return nil, err
		}
		state = state.Apply(layer)
	}

	d := New(schema, inc, rt, disks, state)
	cleanup()
	l.logger().Debug("partition data loaded", "data", d.String(), "opened", len(opened))
	return d, nil
}

func (l *Loader) openSegment(ctx context.Context, id model.SegmentID) (*segment.Disk, error) {
	var s *segment.Disk
	err := fs.Retry(ctx, l.Retry, func() error {
		var err error
		s, err = segment.Open(fs.Or(l.FS), l.Layout.SegmentDir(id), id, segment.DiskOptions{Cache: l.Cache, Quota: l.Quota})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", id, err)
	}
	return s, nil
}

func (l *Loader) loadLayer(ctx context.Context, id model.SegmentID, keep func(model.SegmentID) bool) (*modifier.Layer, error) {
	var layer *modifier.Layer
	err := fs.Retry(ctx, l.Retry, func() error {
		var err error
		layer, err = modifier.Load(fs.Or(l.FS), l.Layout.SegmentDir(id), keep)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load overlays of segment %s: %w", id, err)
	}
	return layer, nil
}

// LoadSize returns the resident bytes loading ids would add, without
// overlays. Segments held by reuse cost nothing.
func (l *Loader) LoadSize(ids []model.SegmentID, reuse *Data) (int64, error) {
	var total int64
	for _, id := range ids {
		if reuse != nil && reuse.Disk(id) != nil {
			continue
		}
		n, err := segment.LoadSize(fs.Or(l.FS), l.Layout.SegmentDir(id))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// PatchSize returns the bytes of overlay files of ids.
func (l *Loader) PatchSize(ids []model.SegmentID) (int64, error) {
	var total int64
	for _, id := range ids {
		n, err := modifier.Size(fs.Or(l.FS), l.Layout.SegmentDir(id), nil)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

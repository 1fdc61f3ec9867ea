package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hupe1980/docindex/blobstore"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/model"
	"golang.org/x/sync/errgroup"
)

// ErrNoSecondary is returned when deploying without a secondary store.
var ErrNoSecondary = errors.New("no secondary directory configured")

// Deployer copies incremental versions from the secondary store into the
// primary directory. Segment files are copied before the completion
// marker and the version file is written last, so a crash leaves only
// ignorable leftovers.
type Deployer struct {
	Secondary   blobstore.BlobStore
	FS          fs.FileSystem
	Layout      Layout
	Resources   *resource.Controller
	Parallelism int
	Retry       fs.RetryPolicy
	Logger      *slog.Logger

	mu       sync.Mutex
	listings map[model.VersionID][]string
}

func (d *Deployer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// LoadVersion reads version id from the secondary store; 0 selects the
// latest. Without a secondary store the primary directory is used.
func (d *Deployer) LoadVersion(ctx context.Context, id model.VersionID) (*version.Version, error) {
	if d.Secondary == nil {
		if id == 0 {
			v, err := version.LoadLatest(fs.Or(d.FS), d.Layout.IncDir())
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, fmt.Errorf("%w: no versions in primary", version.ErrNotFound)
			}
			return v, nil
		}
		return version.Load(fs.Or(d.FS), d.Layout.IncDir(), id)
	}
	var v *version.Version
	err := fs.Retry(ctx, d.Retry, func() error {
		var err error
		v, err = version.LoadFrom(ctx, d.Secondary, id)
		return err
	})
	return v, err
}

// listing returns the file names of the segments of v. Listings are
// cached per version.
func (d *Deployer) listing(ctx context.Context, v *version.Version) ([]string, error) {
	d.mu.Lock()
	if names, ok := d.listings[v.ID]; ok {
		d.mu.Unlock()
		return names, nil
	}
	d.mu.Unlock()

	var names []string
	for _, id := range v.Segments {
		var seg []string
		err := fs.Retry(ctx, d.Retry, func() error {
			var err error
			seg, err = d.Secondary.List(ctx, segment.DirName(id)+"/")
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list segment %s: %w", id, err)
		}
		names = append(names, seg...)
	}

	d.mu.Lock()
	if d.listings == nil {
		d.listings = make(map[model.VersionID][]string)
	}
	d.listings[v.ID] = names
	d.mu.Unlock()
	return names, nil
}

// Forget drops cached listings of versions below id.
func (d *Deployer) Forget(id model.VersionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for vid := range d.listings {
		if vid < id {
			delete(d.listings, vid)
		}
	}
}

// Deploy makes v and its segments available in the primary directory.
// Segments already complete locally are skipped.
func (d *Deployer) Deploy(ctx context.Context, v *version.Version) error {
	fsys := fs.Or(d.FS)
	if d.Secondary == nil {
		for _, id := range v.Segments {
			ok, err := segment.IsComplete(fsys, d.Layout.SegmentDir(id))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: segment %s missing in primary", ErrNoSecondary, id)
			}
		}
		return nil
	}

	names, err := d.listing(ctx, v)
	if err != nil {
		return err
	}
	bySegment := make(map[model.SegmentID][]string)
	for _, name := range names {
		dir, _, ok := strings.Cut(name, "/")
		if !ok {
			continue
		}
		if id, ok := segment.ParseDirName(dir); ok {
			bySegment[id] = append(bySegment[id], name)
		}
	}

	var deployed int
	for _, id := range v.Segments {
		dir := d.Layout.SegmentDir(id)
		ok, err := segment.IsComplete(fsys, dir)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := d.deploySegment(ctx, id, dir, bySegment[id]); err != nil {
			return fmt.Errorf("deploy segment %s: %w", id, err)
		}
		deployed++
	}

	if err := fs.Retry(ctx, d.Retry, func() error {
		return version.Store(fsys, d.Layout.IncDir(), v)
	}); err != nil {
		return fmt.Errorf("store version %d: %w", v.ID, err)
	}
	d.logger().Info("version deployed", "version", v.ID, "segments", deployed)
	return nil
}

func (d *Deployer) deploySegment(ctx context.Context, id model.SegmentID, dir string, names []string) error {
	fsys := fs.Or(d.FS)
	if err := segment.MakeDir(fsys, dir); err != nil {
		return err
	}

	var marker string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.Parallelism, 1))
	for _, name := range names {
		if path.Base(name) == segment.MarkerFile {
			marker = name
			continue
		}
		g.Go(func() error {
			return fs.Retry(gctx, d.Retry, func() error {
				return d.copyFile(gctx, name, filepath.Join(dir, path.Base(name)))
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if marker == "" {
		return fmt.Errorf("%w: %s has no completion marker in secondary", segment.ErrIncomplete, id)
	}
	if err := fs.SyncDir(fsys, dir); err != nil {
		return err
	}
	return segment.WriteMarker(fsys, dir)
}

func (d *Deployer) copyFile(ctx context.Context, name, dst string) error {
	data, err := blobstore.ReadAll(ctx, d.Secondary, name)
	if err != nil {
		return err
	}
	if err := d.Resources.AcquireIO(ctx, len(data)); err != nil {
		return err
	}
	return fs.WriteFile(fs.Or(d.FS), dst, data)
}

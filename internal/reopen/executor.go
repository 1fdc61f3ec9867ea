package reopen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/oplog"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/model"
)

// ErrReopenRetry is returned when a reopen could not run now but may
// succeed later. The loaded data is unchanged.
var ErrReopenRetry = errors.New("reopen should be retried")

// RedoOpCost is the memory charged per buffered operation when estimating
// a reopen.
const RedoOpCost = 256

// Target is the writer side of a reopen.
type Target interface {
	// Snapshot returns the committed data. The caller releases it.
	Snapshot() *partition.Data
	// Update swaps the writer's data under the writer lock.
	Update(fn func(cur *partition.Data) (*partition.Data, error)) error
	// Log returns the operation log, nil if none is kept.
	Log() *oplog.Log
}

// Executor performs normal reopens.
type Executor struct {
	FS       fs.FileSystem
	Layout   partition.Layout
	Loader   *partition.Loader
	Deployer *partition.Deployer
	// Quota is charged with the estimated reopen memory while the new
	// data is prepared.
	Quota *resource.BlockQuota
	// RetryOnIOError turns IO failures into ErrReopenRetry.
	RetryOnIOError bool
	Logger         *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Executor) classify(err error) error {
	if err == nil || errors.Is(err, ErrReopenRetry) {
		return err
	}
	if e.RetryOnIOError && fs.IsIOError(err) {
		return fmt.Errorf("%w: %w", ErrReopenRetry, err)
	}
	return err
}

// Estimate returns the memory a reopen to target is expected to need:
// segments not loaded yet, the overlays of new segments, and the redo of
// every buffered operation.
func Estimate(loader *partition.Loader, target *version.Version, old *partition.Data, log *oplog.Log) (int64, error) {
	load, err := loader.LoadSize(target.Segments, old)
	if err != nil {
		return 0, err
	}
	patch, err := loader.PatchSize(target.Diff(old.IncVersion()))
	if err != nil {
		return 0, err
	}
	var redo int64
	if log != nil {
		redo = int64(log.Count(oplog.Cursor{})) * RedoOpCost
	}
	return load + patch + redo, nil
}

// Normal loads target next to the current data and swaps it in. On error
// the writer's data is unchanged.
func (e *Executor) Normal(ctx context.Context, w Target, target *version.Version) error {
	start := time.Now()
	old := w.Snapshot()
	defer old.Release()
	logger := e.logger().With("from", old.IncVersion().ID, "to", target.ID)

	if err := e.Deployer.Deploy(ctx, target); err != nil {
		return e.classify(fmt.Errorf("deploy version %d: %w", target.ID, err))
	}

	estimate, err := Estimate(e.Loader, target, old, w.Log())
	if err != nil {
		return e.classify(fmt.Errorf("estimate reopen: %w", err))
	}
	if !e.Quota.Reserve(estimate) {
		return fmt.Errorf("%w: cannot reserve %d bytes", ErrReopenRetry, estimate)
	}
	e.Quota.Allocate(estimate)
	defer func() {
		e.Quota.Free(estimate)
		e.Quota.ShrinkToFit()
	}()

	next, err := e.Loader.Load(ctx, old.Schema(), target, nil, old)
	if err != nil {
		return e.classify(fmt.Errorf("load version %d: %w", target.ID, err))
	}
	defer next.Release()

	shared := target.Shared(old.IncVersion())
	r := NewReplayer(w.Log(), next, NewStrategy(shared))
	if err := r.Redo(ctx); err != nil {
		return e.classify(fmt.Errorf("redo before join: %w", err))
	}
	preJoin := r.Redone()

	err = w.Update(func(cur *partition.Data) (*partition.Data, error) {
		if cur.IncVersion().ID != old.IncVersion().ID {
			return nil, fmt.Errorf("%w: incremental version changed to %d", ErrReopenRetry, cur.IncVersion().ID)
		}
		if err := r.Redo(ctx); err != nil {
			return nil, fmt.Errorf("redo at join: %w", err)
		}
		return e.join(cur, next, target, r, shared, w.Log())
	})
	if err != nil {
		return e.classify(err)
	}

	logger.Info("partition reopened",
		"estimate_bytes", estimate,
		"redo_pre_join", preJoin,
		"redo_join", r.Redone()-preJoin,
		"shared", len(shared),
		"duration", time.Since(start),
	)
	return nil
}

// join builds the data the writer switches to: the incremental segments of
// next, the realtime segments of cur that target does not cover, and the
// writer's sealed and building segments.
func (e *Executor) join(cur, next *partition.Data, target *version.Version, r *Replayer, shared []model.SegmentID, log *oplog.Log) (*partition.Data, error) {
	rt := cur.RtVersion()
	var reclaimed []model.SegmentID
	for _, id := range rt.Segments {
		if d := cur.Disk(id); d != nil && d.Info().MaxTimestamp < target.Timestamp {
			reclaimed = append(reclaimed, id)
		}
	}
	retained := func(id model.SegmentID) bool {
		return id.IsRealtime() && !slices.Contains(reclaimed, id)
	}

	nextRt := rt.Next().Without(reclaimed)
	nextRt.IncVersion = target.ID

	disks := next.Disks()
	for _, id := range nextRt.Segments {
		d := cur.Disk(id)
		if d == nil {
			return nil, fmt.Errorf("%w: realtime %s", partition.ErrUnknownSegment, id)
		}
		disks = append(disks, d)
	}

	state := next.State().
		Take(cur.State(), retained).
		Apply(r.Layer()).
		MergeDeletions(cur.State(), shared).
		Restrict(func(id model.SegmentID) bool { return target.Contains(id) || retained(id) })

	if err := version.Store(fs.Or(e.FS), e.Layout.RtDir(), nextRt); err != nil {
		return nil, fmt.Errorf("store realtime version %d: %w", nextRt.ID, err)
	}

	base := partition.New(cur.Schema(), target, nextRt, disks, state)
	nd := base.Attach(cur)
	base.Release()

	if log != nil && len(reclaimed) > 0 {
		log.Reclaim(func(s *oplog.Segment) bool { return !slices.Contains(reclaimed, s.ID()) })
	}
	e.logger().Debug("reopen joined", "reclaimed", reclaimed, "data", nd.String())
	return nd, nil
}

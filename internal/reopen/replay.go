package reopen

import (
	"context"

	"github.com/hupe1980/docindex/internal/modifier"
	"github.com/hupe1980/docindex/internal/oplog"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/model"
)

const checkEvery = 1024

// Strategy decides which incremental segments a redo may touch.
type Strategy struct {
	shared map[model.SegmentID]struct{}
}

// NewStrategy returns a strategy that leaves segments shared by the old
// and the new incremental version to the deletion bitmap merge.
func NewStrategy(shared []model.SegmentID) Strategy {
	s := Strategy{shared: make(map[model.SegmentID]struct{}, len(shared))}
	for _, id := range shared {
		s.shared[id] = struct{}{}
	}
	return s
}

// Shared reports whether seg is loaded by both versions.
func (s Strategy) Shared(seg model.SegmentID) bool {
	_, ok := s.shared[seg]
	return ok
}

func (s Strategy) notShared(seg model.SegmentID) bool { return !s.Shared(seg) }

// Replayer redoes operation log records onto the incremental segments of
// a target partition data. Records are visited once; Redo may be called
// repeatedly to catch up with records appended in between.
type Replayer struct {
	log      *oplog.Log
	target   *partition.Data
	ts       int64
	strategy Strategy
	layer    *modifier.Layer
	cursor   oplog.Cursor
	rtLive   map[string]bool
	redone   int
}

// NewReplayer creates a replayer starting at the beginning of log. Records
// with a timestamp below the target's incremental version timestamp are
// already contained in it.
func NewReplayer(log *oplog.Log, target *partition.Data, strategy Strategy) *Replayer {
	return &Replayer{
		log:      log,
		target:   target,
		ts:       target.IncVersion().Timestamp,
		strategy: strategy,
		layer:    modifier.NewLayer(),
		rtLive:   make(map[string]bool),
	}
}

// Layer returns the overlay produced so far.
func (r *Replayer) Layer() *modifier.Layer { return r.layer }

// Cursor returns the position after the last redone record.
func (r *Replayer) Cursor() oplog.Cursor { return r.cursor }

// Redone returns the number of records visited.
func (r *Replayer) Redone() int { return r.redone }

// Redo replays every record after the cursor.
func (r *Replayer) Redo(ctx context.Context) error {
	if r.log == nil {
		return nil
	}
	cur, err := r.log.Iterate(r.cursor, func(_ oplog.Cursor, rec oplog.Record) error {
		r.redone++
		if r.redone%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		r.apply(rec)
		return nil
	})
	if err != nil {
		return err
	}
	r.cursor = cur
	return nil
}

func (r *Replayer) view() modifier.View {
	return modifier.View{State: r.target.State(), Layers: []*modifier.Layer{r.layer}}
}

func (r *Replayer) apply(rec oplog.Record) {
	newer := rec.Timestamp >= r.ts
	switch rec.Kind {
	case model.OpAdd:
		if !newer {
			// The incremental version already holds the document, the
			// realtime copy is a duplicate.
			delete(r.rtLive, rec.PK)
			if rec.Ref.Segment != model.InvalidSegmentID && rec.Ref.Segment.IsRealtime() {
				r.layer.Delete(rec.Ref)
			}
			return
		}
		r.rtLive[rec.PK] = true
		if ref, ok := r.target.LookupIncremental(r.view(), rec.PK, r.strategy.notShared); ok {
			r.layer.Delete(ref)
		}
	case model.OpDelete:
		delete(r.rtLive, rec.PK)
		if !newer {
			return
		}
		if ref, ok := r.target.LookupIncremental(r.view(), rec.PK, r.strategy.notShared); ok {
			r.layer.Delete(ref)
		}
	case model.OpUpdate:
		if !newer || r.rtLive[rec.PK] {
			return
		}
		if ref, ok := r.target.LookupIncremental(r.view(), rec.PK, nil); ok {
			r.layer.Patch(ref, rec.Fields)
		}
	}
}

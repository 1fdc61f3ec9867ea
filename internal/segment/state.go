package segment

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/docindex/model"
)

var (
	// ErrIDReused is returned when a segment id is registered twice or is
	// not larger than every id registered before.
	ErrIDReused = errors.New("segment id reused")
	// ErrInvalidTransition is returned for backward state transitions.
	ErrInvalidTransition = errors.New("invalid segment state transition")
	// ErrUnknownSegment is returned for ids missing from the table.
	ErrUnknownSegment = errors.New("unknown segment")
)

// State is the lifecycle state of a segment.
type State uint8

const (
	StateBuilding State = iota
	StateWaitingToDump
	StateDumping
	StateDumped
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateWaitingToDump:
		return "WAITING_TO_DUMP"
	case StateDumping:
		return "DUMPING"
	case StateDumped:
		return "DUMPED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Table owns the lifecycle state of every segment created by one writer.
// The writer and dump items refer to segments by id only.
type Table struct {
	mu      sync.Mutex
	slots   map[model.SegmentID]State
	lastInc model.SegmentID
	lastRt  model.SegmentID
	hasInc  bool
	hasRt   bool
}

// NewTable creates an empty slot table.
func NewTable() *Table {
	return &Table{slots: make(map[model.SegmentID]State)}
}

// Floor makes every later Register require ids above id.
func (t *Table) Floor(id model.SegmentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id.IsRealtime() {
		if !t.hasRt || id > t.lastRt {
			t.lastRt, t.hasRt = id, true
		}
		return
	}
	if !t.hasInc || id > t.lastInc {
		t.lastInc, t.hasInc = id, true
	}
}

// Register adds id in state BUILDING. Ids are strictly increasing within
// the realtime and the incremental id space.
func (t *Table) Register(id model.SegmentID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.slots[id]; ok {
		return fmt.Errorf("%w: %s", ErrIDReused, id)
	}
	if id.IsRealtime() {
		if t.hasRt && id <= t.lastRt {
			return fmt.Errorf("%w: %s <= %s", ErrIDReused, id, t.lastRt)
		}
		t.lastRt, t.hasRt = id, true
	} else {
		if t.hasInc && id <= t.lastInc {
			return fmt.Errorf("%w: %s <= %s", ErrIDReused, id, t.lastInc)
		}
		t.lastInc, t.hasInc = id, true
	}
	t.slots[id] = StateBuilding
	return nil
}

// Transition moves id to state to. Only forward moves and DUMPING to
// DUMPING are allowed.
func (t *Table) Transition(id model.SegmentID, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from, ok := t.slots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, id)
	}
	if to < from || to == from && to != StateDumping {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
	}
	t.slots[id] = to
	return nil
}

// State returns the state of id.
func (t *Table) State(id model.SegmentID) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[id]
	return s, ok
}

// Remove forgets id. The id stays consumed.
func (t *Table) Remove(id model.SegmentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, id)
}

// InState returns the ids in state s in ascending order.
func (t *Table) InState(s State) []model.SegmentID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.SegmentID
	for id, st := range t.slots {
		if st == s {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Active returns the ids not yet DUMPED in ascending order.
func (t *Table) Active() []model.SegmentID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.SegmentID
	for id, st := range t.slots {
		if st != StateDumped {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

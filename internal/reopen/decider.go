package reopen

import (
	"fmt"

	"github.com/hupe1980/docindex/internal/version"
)

// Decision is the kind of reopen a target version requires.
type Decision uint8

const (
	// NoNeedReopen means the target is already loaded.
	NoNeedReopen Decision = iota
	// InconsistentSchemaReopen means the target was built with another
	// schema and cannot be loaded.
	InconsistentSchemaReopen
	// IndexRollbackReopen means the target is older than the loaded data.
	IndexRollbackReopen
	// ForceReopen discards all realtime state and loads the target.
	ForceReopen
	// NormalReopen loads the target and keeps realtime state.
	NormalReopen
)

func (d Decision) String() string {
	switch d {
	case NoNeedReopen:
		return "NO_NEED_REOPEN"
	case InconsistentSchemaReopen:
		return "INCONSISTENT_SCHEMA_REOPEN"
	case IndexRollbackReopen:
		return "INDEX_ROLLBACK_REOPEN"
	case ForceReopen:
		return "FORCE_REOPEN"
	case NormalReopen:
		return "NORMAL_REOPEN"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// Decide compares the target version with the loaded one. The first
// matching rule wins.
func Decide(target, loaded *version.Version, force bool) Decision {
	if loaded == nil {
		loaded = version.New(target.SchemaID)
	}
	switch {
	case target.ID <= loaded.ID:
		return NoNeedReopen
	case target.SchemaID != loaded.SchemaID:
		return InconsistentSchemaReopen
	case target.Timestamp < loaded.Timestamp:
		return IndexRollbackReopen
	case force:
		return ForceReopen
	default:
		return NormalReopen
	}
}

package model

import (
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// SegmentID is the unique identifier of a segment within a partition.
type SegmentID uint32

// RealtimeSegmentMask marks segments built locally by an online partition.
const RealtimeSegmentMask SegmentID = 1 << 30

// InvalidSegmentID is the sentinel for "no segment".
const InvalidSegmentID SegmentID = math.MaxUint32

// IsRealtime reports whether the segment was built by the local writer of an
// online partition.
func (id SegmentID) IsRealtime() bool {
	return id != InvalidSegmentID && id&RealtimeSegmentMask != 0
}

func (id SegmentID) String() string {
	if id == InvalidSegmentID {
		return "invalid"
	}
	if id.IsRealtime() {
		return fmt.Sprintf("rt-%d", uint32(id&^RealtimeSegmentMask))
	}
	return fmt.Sprintf("%d", uint32(id))
}

// DocID is a dense, segment-local document identifier.
type DocID uint32

// DocRef addresses one document inside the partition.
type DocRef struct {
	Segment SegmentID `json:"segment"`
	Doc     DocID     `json:"doc"`
}

// VersionID identifies an immutable version. Zero means "no version" when
// describing loaded state and "latest" when used as an open or reopen target.
type VersionID uint64

// ReaderVersion identifies the state a reader is bound to.
type ReaderVersion struct {
	Inc VersionID `json:"inc"`
	Rt  VersionID `json:"rt"`
}

// Less orders reader versions by incremental version first.
func (v ReaderVersion) Less(o ReaderVersion) bool {
	if v.Inc != o.Inc {
		return v.Inc < o.Inc
	}
	return v.Rt < o.Rt
}

func (v ReaderVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Inc, v.Rt)
}

// Schema describes the document layout of a partition. Only the id takes
// part in compatibility checks.
type Schema struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`
}

// HashPK returns the 64-bit hash used by primary key indexes.
func HashPK(pk string) uint64 {
	return murmur3.Sum64([]byte(pk))
}

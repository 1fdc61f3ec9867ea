// Package model defines the core types shared by every layer of docindex.
//
// # Identity Types
//
//   - SegmentID: Unique, never reused identifier of a segment. Realtime
//     segments carry RealtimeSegmentMask.
//   - DocID: Dense, segment-local document identifier.
//   - VersionID: Identifier of an immutable on-disk version (0 = none).
//   - ReaderVersion: (incremental, realtime) version pair a reader is bound to.
//
// # Data Types
//
//   - Document: One operation from the upstream source.
//   - Locator: Durable cursor into the upstream source.
//   - Schema: Name and version id of the partition schema.
package model

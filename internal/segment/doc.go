// Package segment implements the unit of ingestion: the building segment
// with its indexers, the loaded disk segment, the segment state machine and
// the on-disk layout.
//
// # Layout
//
// A dumped segment lives in its own directory "segment_<id>":
//
//	data               compressed document records
//	offsets            record offsets into data
//	pk                 primary key hash -> doc id
//	deletionmap_<id>   deletions applied while the segment was building
//	patch_<id>         updates applied while the segment was building
//	operation_log      realtime segments only
//	segment_info       doc count, timestamps, locator
//	segment_complete   written last
//
// A directory without segment_complete is incomplete and ignored.
//
// # Lifecycle
//
//	BUILDING -> WAITING_TO_DUMP -> DUMPING -> DUMPED
//
// Transitions only move forward. A failed dump may re-enter DUMPING.
package segment

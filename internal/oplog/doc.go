// Package oplog implements the operation log used to redo realtime
// mutations onto newly deployed incremental versions.
//
// Each realtime segment owns one log Segment. Records are CRC framed and a
// dumped segment stores them zstd compressed in its "operation_log" file.
// A Log keeps the segments of all retained realtime segments in id order
// and is traversed with a Cursor.
package oplog

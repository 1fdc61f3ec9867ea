// Package reopen switches a partition to another incremental version.
//
// Decide picks the kind of reopen. A normal reopen loads the target
// version next to the current one, redoes the buffered realtime
// operations onto the new incremental segments with a Replayer and swaps
// the result into the writer in one step. A failed normal reopen leaves
// the current data untouched.
package reopen

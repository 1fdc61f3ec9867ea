// Package engine wires a partition together: it opens the writer on the
// versions found in the primary directory, publishes every committed
// snapshot to the reader container, and drives reopens and cleaning.
//
// Builds and dumps run under a shared lock; a force reopen replaces the
// writer under the exclusive lock. Reopens and cleaning are serialized
// with each other.
package engine

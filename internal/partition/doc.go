// Package partition holds the partition data snapshot, the readers bound
// to snapshots, the reader container, and the file lifecycle helpers that
// deploy and clean versions on the primary directory.
package partition

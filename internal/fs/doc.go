// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// On top of them it offers the durable primitives the storage layer needs:
// [WriteFileAtomic] (tmp file, fsync, rename, directory sync), [SyncDir],
// [ReadFile] and [Exists], plus [IsIOError] and [Retry] for the bounded
// retry policy applied to transient storage failures.
//
// # Implementations
//
//   - [LocalFS]: Production implementation using standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// This package does not take context.Context parameters. Local filesystem
// operations are not interruptible at the syscall level. Remote storage goes
// through blobstore, which does.
package fs

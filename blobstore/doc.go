// Package blobstore abstracts the secondary directory that incremental
// versions are deployed from.
//
// Names are slash separated and relative to the store root, e.g.
// "version.3" or "segment_2/data". Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem with mmap support
//   - MemoryStore: In-memory store for tests
//   - CachingStore: Block cache in front of any store
//   - s3.Store: Amazon S3 with range reads and managed uploads
//   - minio.Store: MinIO and other S3-compatible services
package blobstore

// Package s3 implements blobstore.BlobStore on Amazon S3.
//
// Reads use ranged GetObject requests, writes go through the managed
// uploader so that large segment files are uploaded in parallel parts.
package s3

// Package mmap maps immutable segment files read-only into memory.
//
// On unix platforms it uses golang.org/x/sys/unix. Elsewhere it falls back
// to reading the file into a heap buffer, which keeps the API identical.
package mmap

//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int, access Access) ([]byte, bool, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, false, err
	}
	advice := unix.MADV_RANDOM
	if access == AccessSequential {
		advice = unix.MADV_SEQUENTIAL
	}
	// Advice is a hint only.
	_ = unix.Madvise(data, advice)
	return data, true, nil
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}

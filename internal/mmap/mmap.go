package mmap

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
)

// ErrClosed is returned when reading from a closed mapping.
var ErrClosed = errors.New("mmap: mapping closed")

// Mapping is a read-only view of a whole file.
type Mapping struct {
	data   []byte
	mapped bool
	closed atomic.Bool
}

// Access is the expected read pattern of a mapping.
type Access uint8

const (
	// AccessRandom suits document stores read by offset.
	AccessRandom Access = iota
	// AccessSequential suits files copied or scanned front to back.
	AccessSequential
)

// Open maps the file at path into memory and advises the kernel of the
// access pattern.
func Open(path string, access Access) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		return &Mapping{}, nil
	}
	if size < 0 || int64(int(size)) != size {
		return nil, errors.New("mmap: invalid file size")
	}

	data, mapped, err := mapFile(f, int(size), access)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, mapped: mapped}, nil
}

// Bytes returns the mapped bytes. The slice is valid until Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Size returns the length of the mapping.
func (m *Mapping) Size() int64 {
	return int64(len(m.data))
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the mapping. It is safe to call more than once.
func (m *Mapping) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	data := m.data
	m.data = nil
	if m.mapped && data != nil {
		return unmap(data)
	}
	return nil
}

package blobstore

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps blobs in memory. It stands in for a secondary
// directory in tests and counts the calls a deployment makes.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	lists atomic.Int64
	opens atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	m.opens.Add(1)
	m.mu.RLock()
	data, ok := m.blobs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return memoryBlob(data), nil
}

// Put stores a copy of data. Stored slices are never mutated afterwards.
func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	m.blobs[name] = slices.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.blobs, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.lists.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Lists returns how often List was called.
func (m *MemoryStore) Lists() int64 { return m.lists.Load() }

// Opens returns how often Open was called.
func (m *MemoryStore) Opens() int64 { return m.opens.Load() }

// memoryBlob is a stored slice. It is Mappable.
type memoryBlob []byte

func (b memoryBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b memoryBlob) Bytes() ([]byte, error) { return b, nil }

func (memoryBlob) Close() error { return nil }

func (b memoryBlob) Size() int64 { return int64(len(b)) }

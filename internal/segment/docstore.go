package segment

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hupe1980/docindex/codec"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
)

const maxDocs uint64 = 1<<32 - 2

// DocStore keeps the encoded documents of a building segment and dumps
// them as the data and offsets files.
type DocStore struct {
	compression Compression

	mu     sync.RWMutex
	docs   [][]byte
	memory int64
}

// NewDocStore creates an empty document store.
func NewDocStore(c Compression) *DocStore {
	if c == "" {
		c = CompressionLZ4
	}
	return &DocStore{compression: c}
}

func (s *DocStore) Name() string { return "docstore" }

func (s *DocStore) Add(doc model.DocID, d *model.Document) error {
	data, err := codec.Encode(d)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", d.PK, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(doc) != len(s.docs) {
		return fmt.Errorf("docstore: out of order doc id %d, want %d", doc, len(s.docs))
	}
	s.docs = append(s.docs, data)
	s.memory += int64(len(data)) + 24
	return nil
}

// Get decodes doc.
func (s *DocStore) Get(doc model.DocID) (*model.Document, error) {
	s.mu.RLock()
	if int(doc) >= len(s.docs) {
		s.mu.RUnlock()
		return nil, fmt.Errorf("docstore: doc %d out of range", doc)
	}
	data := s.docs[doc]
	s.mu.RUnlock()
	return decodeDocument(data)
}

func decodeDocument(data []byte) (*model.Document, error) {
	d, err := codec.Decode[model.Document]("document", data)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DocStore) EstimateMemory() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory
}

func (s *DocStore) EstimateDumpTempMemory() int64 {
	// Compression buffers of the largest records.
	return 1 << 20
}

func (s *DocStore) EstimateDumpFileSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory + int64(len(s.docs)+1)*8
}

func (s *DocStore) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.docs)) >= maxDocs
}

// Dump writes data and offsets. offsets holds doc count + 1 little-endian
// uint64 values.
func (s *DocStore) Dump(ctx context.Context, fsys fs.FileSystem, dir string) error {
	s.mu.RLock()
	docs := s.docs[:len(s.docs):len(s.docs)]
	s.mu.RUnlock()

	var data []byte
	offsets := make([]byte, 0, (len(docs)+1)*8)
	for i, raw := range docs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		offsets = binary.LittleEndian.AppendUint64(offsets, uint64(len(data)))
		var err error
		if data, err = compressRecord(data, raw, s.compression); err != nil {
			return fmt.Errorf("compress doc %d: %w", i, err)
		}
	}
	offsets = binary.LittleEndian.AppendUint64(offsets, uint64(len(data)))

	if err := fs.WriteFile(fsys, filepath.Join(dir, DataFile), data); err != nil {
		return err
	}
	return fs.WriteFile(fsys, filepath.Join(dir, OffsetsFile), offsets)
}

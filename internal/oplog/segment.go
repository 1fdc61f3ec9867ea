package oplog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/model"
	"github.com/klauspost/compress/zstd"
)

// FileName is the name of the operation log file in a segment directory.
const FileName = "operation_log"

// ErrSealed is returned when appending to a sealed segment.
var ErrSealed = errors.New("operation log segment is sealed")

var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func getEncoder() *zstd.Encoder {
	if v := encoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getDecoder() *zstd.Decoder {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Segment holds the records produced while one realtime segment was
// building. Appended records are never modified.
type Segment struct {
	id    model.SegmentID
	quota *resource.BlockQuota

	mu      sync.RWMutex
	records []Record
	sealed  bool
	memory  int64
	maxTs   int64
}

// NewSegment creates an empty, appendable segment charging quota.
func NewSegment(id model.SegmentID, quota *resource.BlockQuota) *Segment {
	return &Segment{id: id, quota: quota}
}

// ID returns the segment id.
func (s *Segment) ID() model.SegmentID { return s.id }

// Append adds a record.
func (s *Segment) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrSealed
	}
	s.records = append(s.records, r)
	size := int64(r.Size())
	s.memory += size
	s.maxTs = max(s.maxTs, r.Timestamp)
	if s.quota != nil {
		s.quota.Allocate(size)
	}
	return nil
}

// Seal makes the segment read-only.
func (s *Segment) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports whether the segment is read-only.
func (s *Segment) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Len returns the number of records.
func (s *Segment) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MaxTimestamp returns the largest record timestamp.
func (s *Segment) MaxTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTs
}

// MemoryUsage returns the bytes charged for the records.
func (s *Segment) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory
}

// recordsFrom returns the records from index from on. The returned slice must
// not be modified.
func (s *Segment) recordsFrom(from int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from >= len(s.records) {
		return nil
	}
	return s.records[from:len(s.records):len(s.records)]
}

// Release drops the records and returns their quota.
func (s *Segment) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota != nil {
		s.quota.Free(s.memory)
	}
	s.records = nil
	s.memory = 0
}

// DumpSize estimates the bytes Dump writes.
func (s *Segment) DumpSize() int64 {
	return s.MemoryUsage()
}

// Dump writes the compressed records to dir/operation_log and returns the
// file size.
func (s *Segment) Dump(fsys fs.FileSystem, dir string) (int64, error) {
	var buf bytes.Buffer
	for _, r := range s.recordsFrom(0) {
		if err := r.Encode(&buf); err != nil {
			return 0, err
		}
	}

	enc := getEncoder()
	data := enc.EncodeAll(buf.Bytes(), nil)
	encoderPool.Put(enc)

	if err := fs.WriteFile(fsys, filepath.Join(dir, FileName), data); err != nil {
		return 0, fmt.Errorf("dump operation log %s: %w", s.id, err)
	}
	return int64(len(data)), nil
}

// LoadSegment reads the operation log of a dumped segment. The result is
// sealed.
func LoadSegment(fsys fs.FileSystem, dir string, id model.SegmentID, quota *resource.BlockQuota) (*Segment, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}

	dec := getDecoder()
	raw, err := dec.DecodeAll(data, nil)
	decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress operation log %s: %w", id, err)
	}

	s := NewSegment(id, quota)
	r := bytes.NewReader(raw)
	for {
		rec, err := Decode(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode operation log %s: %w", id, err)
		}
		if err := s.Append(*rec); err != nil {
			return nil, err
		}
	}
	s.Seal()
	return s, nil
}

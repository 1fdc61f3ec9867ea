package segment

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/model"
)

const pkEntrySize = 12

// PKIndexer maps primary key hashes to the newest local doc id.
type PKIndexer struct {
	deferred bool
	maxKeys  int

	mu         sync.RWMutex
	latest     map[uint64]model.DocID
	superseded []model.DocID
}

// NewPKIndexer creates a pk indexer. In deferred mode docs replaced by a
// newer doc of the same segment are collected for the end-segment hook.
// maxKeys <= 0 means unbounded.
func NewPKIndexer(deferred bool, maxKeys int) *PKIndexer {
	return &PKIndexer{
		deferred: deferred,
		maxKeys:  maxKeys,
		latest:   make(map[uint64]model.DocID),
	}
}

func (p *PKIndexer) Name() string { return "pk" }

func (p *PKIndexer) Add(doc model.DocID, d *model.Document) error {
	h := model.HashPK(d.PK)
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.latest[h]; ok && p.deferred {
		p.superseded = append(p.superseded, prev)
	}
	p.latest[h] = doc
	return nil
}

// Lookup returns the newest doc id for pk.
func (p *PKIndexer) Lookup(pk string) (model.DocID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	doc, ok := p.latest[model.HashPK(pk)]
	return doc, ok
}

// Superseded returns the docs replaced inside the segment in deferred mode.
func (p *PKIndexer) Superseded() []model.DocID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.superseded)
}

func (p *PKIndexer) EstimateMemory() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.latest))*48 + int64(len(p.superseded))*4
}

func (p *PKIndexer) EstimateDumpTempMemory() int64 {
	return p.EstimateDumpFileSize()
}

func (p *PKIndexer) EstimateDumpFileSize() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(4 + len(p.latest)*pkEntrySize)
}

func (p *PKIndexer) IsFull() bool {
	if p.maxKeys <= 0 {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.latest) >= p.maxKeys
}

// Dump writes the pk file: [count: 4] ([hash: 8] [doc: 4])* sorted by hash.
func (p *PKIndexer) Dump(_ context.Context, fsys fs.FileSystem, dir string) error {
	p.mu.RLock()
	hashes := make([]uint64, 0, len(p.latest))
	for h := range p.latest {
		hashes = append(hashes, h)
	}
	slices.Sort(hashes)
	buf := make([]byte, 4, 4+len(hashes)*pkEntrySize)
	binary.LittleEndian.PutUint32(buf, uint32(len(hashes)))
	for _, h := range hashes {
		buf = binary.LittleEndian.AppendUint64(buf, h)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.latest[h]))
	}
	p.mu.RUnlock()

	return fs.WriteFile(fsys, filepath.Join(dir, PKFile), buf)
}

func loadPK(fsys fs.FileSystem, dir string) (map[uint64]model.DocID, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, PKFile))
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("pk file too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+n*pkEntrySize {
		return nil, fmt.Errorf("pk file size mismatch: %d entries, %d bytes", n, len(data))
	}
	out := make(map[uint64]model.DocID, n)
	for off := 4; off < len(data); off += pkEntrySize {
		out[binary.LittleEndian.Uint64(data[off:])] = model.DocID(binary.LittleEndian.Uint32(data[off+8:]))
	}
	return out, nil
}

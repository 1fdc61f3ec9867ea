package resource

import (
	"math"
	"sync/atomic"
)

// DefaultBlockSize is the granularity in which a BlockQuota borrows from its
// parent.
const DefaultBlockSize int64 = 4 << 20

// PartitionQuota is a shared memory budget.
type PartitionQuota struct {
	name  string
	total int64
	used  atomic.Int64
}

// NewPartitionQuota creates a quota with the given budget. A total <= 0
// means unlimited.
func NewPartitionQuota(name string, total int64) *PartitionQuota {
	if total <= 0 {
		total = math.MaxInt64
	}
	return &PartitionQuota{name: name, total: total}
}

// Name returns the quota name.
func (p *PartitionQuota) Name() string { return p.name }

// Total returns the configured budget.
func (p *PartitionQuota) Total() int64 { return p.total }

// Used returns the bytes currently handed out.
func (p *PartitionQuota) Used() int64 { return p.used.Load() }

// Available returns the remaining budget, never negative.
func (p *PartitionQuota) Available() int64 {
	return max(p.total-p.used.Load(), 0)
}

// TryAllocate hands out n bytes if they fit into the budget.
func (p *PartitionQuota) TryAllocate(n int64) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := p.used.Load()
		if cur > p.total-n {
			return false
		}
		if p.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Allocate hands out n bytes regardless of the budget.
func (p *PartitionQuota) Allocate(n int64) {
	if n > 0 {
		p.used.Add(n)
	}
}

// Free returns n bytes.
func (p *PartitionQuota) Free(n int64) {
	if n > 0 {
		p.used.Add(-n)
	}
}

// BlockQuota tracks the usage of one consumer and borrows block aligned
// capacity from a PartitionQuota.
//
// After every call returns, Used() <= Borrowed() holds unless the consumer
// freed more than it allocated, and Borrowed() is a multiple of the block size.
type BlockQuota struct {
	parent    *PartitionQuota
	blockSize int64

	used     atomic.Int64
	borrowed atomic.Int64
}

// NewBlockQuota creates a block quota borrowing from parent. blockSize
// defaults to DefaultBlockSize if <= 0.
func NewBlockQuota(parent *PartitionQuota, blockSize int64) *BlockQuota {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if parent == nil {
		parent = NewPartitionQuota("unlimited", 0)
	}
	return &BlockQuota{parent: parent, blockSize: blockSize}
}

// Parent returns the quota this block borrows from.
func (q *BlockQuota) Parent() *PartitionQuota { return q.parent }

// BlockSize returns the borrowing granularity.
func (q *BlockQuota) BlockSize() int64 { return q.blockSize }

// Used returns the bytes recorded by Allocate minus Free.
func (q *BlockQuota) Used() int64 { return q.used.Load() }

// Borrowed returns the bytes currently borrowed from the parent.
func (q *BlockQuota) Borrowed() int64 { return q.borrowed.Load() }

// FreeQuota returns the unused part of the borrowed capacity, never negative.
func (q *BlockQuota) FreeQuota() int64 {
	return max(q.borrowed.Load()-q.used.Load(), 0)
}

func (q *BlockQuota) roundUp(n int64) int64 {
	return (n + q.blockSize - 1) / q.blockSize * q.blockSize
}

// Reserve makes sure n bytes of slack are borrowed. It never blocks and is
// all-or-nothing: on false no state changed. Reserve does not record usage;
// callers follow up with Allocate.
func (q *BlockQuota) Reserve(n int64) bool {
	if n <= 0 {
		return true
	}
	for {
		borrowed := q.borrowed.Load()
		slack := borrowed - q.used.Load()
		if slack >= n {
			return true
		}
		need := q.roundUp(n - max(slack, 0))
		if !q.parent.TryAllocate(need) {
			return false
		}
		if q.borrowed.CompareAndSwap(borrowed, borrowed+need) {
			return true
		}
		q.parent.Free(need)
	}
}

// Allocate records n bytes of actual usage. When usage exceeds the borrowed
// capacity, whole blocks are borrowed from the parent even if that overdraws
// its budget.
func (q *BlockQuota) Allocate(n int64) {
	if n <= 0 {
		return
	}
	q.used.Add(n)
	for {
		borrowed := q.borrowed.Load()
		deficit := q.used.Load() - borrowed
		if deficit <= 0 {
			return
		}
		need := q.roundUp(deficit)
		q.parent.Allocate(need)
		if q.borrowed.CompareAndSwap(borrowed, borrowed+need) {
			return
		}
		q.parent.Free(need)
	}
}

// Free records that n bytes are no longer used and returns whole unused
// blocks to the parent, keeping one spare block.
func (q *BlockQuota) Free(n int64) {
	if n <= 0 {
		return
	}
	q.used.Add(-n)
	q.shrink(q.blockSize)
}

// ShrinkToFit returns every whole unused block to the parent.
func (q *BlockQuota) ShrinkToFit() {
	q.shrink(0)
}

func (q *BlockQuota) shrink(spare int64) {
	for {
		borrowed := q.borrowed.Load()
		keep := q.roundUp(max(q.used.Load(), 0)) + spare
		if borrowed <= keep {
			return
		}
		if q.borrowed.CompareAndSwap(borrowed, keep) {
			q.parent.Free(borrowed - keep)
			return
		}
	}
}

// Close returns all borrowed quota to the parent. Usage still recorded is
// dropped.
func (q *BlockQuota) Close() {
	if q == nil {
		return
	}
	q.used.Store(0)
	q.parent.Free(q.borrowed.Swap(0))
}

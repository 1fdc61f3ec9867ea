// Package resource implements the hierarchical memory quota and the
// background/IO governance shared by every partition component.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Controller                          │
//	├─────────────────┬─────────────────┬─────────────────────────┤
//	│ PartitionQuota  │  Background     │  IO Rate Limiter        │
//	│ build, resource │  Workers (sem)  │  (token bucket)         │
//	├─────────────────┼─────────────────┼─────────────────────────┤
//	│  BlockQuota     │  AcquireBack-   │  AcquireIO              │
//	│  per consumer   │  ground         │  (deploy, dump)         │
//	└─────────────────┴─────────────────┴─────────────────────────┘
//
// # Quotas
//
// A PartitionQuota is a shared atomic budget. Consumers (segment writer,
// operation log, block cache, loaded segments) each own a BlockQuota that
// borrows whole blocks (4 MiB by default) from the parent:
//
//	q := resource.NewBlockQuota(parent, 0)
//	defer q.Close()
//
//	if !q.Reserve(dumpSize) {
//	    // backpressure: try again later
//	}
//	q.Allocate(n) // never fails, may exceed the parent's budget
//	q.Free(n)
//
// All quota operations are lock-free (atomic add and compare-and-swap).
//
// # Nil Safety
//
// All Controller methods handle a nil receiver gracefully.
package resource

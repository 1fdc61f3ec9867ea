package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// BuildMemoryBytes is the budget for in-memory building state (segment
	// writers, operation log). If 0, unlimited.
	BuildMemoryBytes int64

	// ResourceMemoryBytes is the budget for file-system backed memory (block
	// cache, loaded segments, dump and reopen reservations). If 0, unlimited.
	ResourceMemoryBytes int64

	// BlockSize is the BlockQuota granularity. Defaults to DefaultBlockSize.
	BlockSize int64

	// MaxBackgroundWorkers is the maximum number of concurrent dump workers.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum throughput for deploy and dump IO.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages the partition's quotas and background governance.
type Controller struct {
	cfg Config

	build    *PartitionQuota
	resource *PartitionQuota

	bgSem     *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}

	c := &Controller{
		cfg:      cfg,
		build:    NewPartitionQuota("build", cfg.BuildMemoryBytes),
		resource: NewPartitionQuota("resource", cfg.ResourceMemoryBytes),
		bgSem:    semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

func (c *Controller) blockSize() int64 {
	if c == nil {
		return DefaultBlockSize
	}
	return c.cfg.BlockSize
}

// BuildQuota returns the partition quota for in-memory building state.
func (c *Controller) BuildQuota() *PartitionQuota {
	if c == nil {
		return NewPartitionQuota("build", 0)
	}
	return c.build
}

// ResourceQuota returns the partition quota for file-system backed memory.
func (c *Controller) ResourceQuota() *PartitionQuota {
	if c == nil {
		return NewPartitionQuota("resource", 0)
	}
	return c.resource
}

// NewBuildBlock creates a consumer quota borrowing from the build quota.
func (c *Controller) NewBuildBlock() *BlockQuota {
	return NewBlockQuota(c.BuildQuota(), c.blockSize())
}

// NewResourceBlock creates a consumer quota borrowing from the resource quota.
func (c *Controller) NewResourceBlock() *BlockQuota {
	return NewBlockQuota(c.ResourceQuota(), c.blockSize())
}

// AcquireBackground reserves a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows bytes more of deploy or dump
// traffic. Requests larger than the burst are split.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

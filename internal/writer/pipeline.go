package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hupe1980/docindex/internal/metrics"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/internal/safe"
)

// Pipeline dumps items in submission order. A failed item stays at the
// head of the queue and is retried before anything submitted later.
//
// In synchronous mode Submit and Flush dump on the calling goroutine. In
// asynchronous mode a single background worker dumps while holding a
// background slot of the resource controller.
type Pipeline struct {
	async      bool
	rc         *resource.Controller
	interval   time.Duration
	maxRetries uint64
	logger     *slog.Logger
	metrics    metrics.Observer

	drainMu sync.Mutex

	mu        sync.Mutex
	queue     []*DumpItem
	running   bool
	requested uint64
	served    uint64
	lastErr   error
	closed    bool
	changed   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Async         bool
	Resources     *resource.Controller
	RetryInterval time.Duration
	MaxRetries    uint64
	Logger        *slog.Logger
	Metrics       metrics.Observer
}

// NewPipeline creates a pipeline and, in asynchronous mode, starts its
// worker.
func NewPipeline(opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		async:      opts.Async,
		rc:         opts.Resources,
		interval:   opts.RetryInterval,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		metrics:    metrics.Or(opts.Metrics),
		changed:    make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.async {
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.wake = make(chan struct{}, 1)
		p.done = make(chan struct{})
		safe.Go(p.logger, "dump pipeline", p.run)
	}
	return p
}

// notify wakes everybody waiting for a state change. p.mu must be held.
func (p *Pipeline) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Submit enqueues item. In synchronous mode it dumps the queue and
// returns the first failure.
func (p *Pipeline) Submit(ctx context.Context, item *DumpItem) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, item)
	depth := len(p.queue)
	if p.async {
		p.requested++
	}
	p.notify()
	p.mu.Unlock()

	p.metrics.OnQueueDepth("dump", depth)
	if !p.async {
		return p.drain(ctx)
	}
	p.signal()
	return nil
}

// Flush dumps every queued item. In asynchronous mode it waits for the
// worker and returns its failure if the queue could not be emptied.
func (p *Pipeline) Flush(ctx context.Context) error {
	if !p.async {
		return p.drain(ctx)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.requested++
	want := p.requested
	p.mu.Unlock()
	p.signal()

	for {
		p.mu.Lock()
		switch {
		case len(p.queue) == 0:
			p.mu.Unlock()
			return nil
		case p.closed:
			p.mu.Unlock()
			return ErrClosed
		case p.served >= want && !p.running:
			err := p.lastErr
			p.mu.Unlock()
			return err
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// LastError returns the failure of the most recent dump attempt, nil if
// it succeeded.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close stops the pipeline and returns the items that were not dumped.
// The caller owns the returned items.
func (p *Pipeline) Close() []*DumpItem {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.notify()
	p.mu.Unlock()

	if p.async {
		p.cancel()
		<-p.done
	}

	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.queue
	p.queue = nil
	return items
}

func (p *Pipeline) head() *DumpItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

func (p *Pipeline) finish(item *DumpItem, err error) {
	p.mu.Lock()
	p.lastErr = err
	if err == nil && len(p.queue) > 0 && p.queue[0] == item {
		p.queue[0] = nil
		p.queue = p.queue[1:]
	}
	depth := len(p.queue)
	p.notify()
	p.mu.Unlock()
	p.metrics.OnQueueDepth("dump", depth)
}

func (p *Pipeline) drain(ctx context.Context) error {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	for {
		item := p.head()
		if item == nil {
			return nil
		}
		err := item.Dump(ctx)
		p.finish(item, err)
		if err != nil {
			return err
		}
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}

		p.mu.Lock()
		p.served = p.requested
		p.running = true
		p.notify()
		p.mu.Unlock()

		p.drainAsync()

		p.mu.Lock()
		p.running = false
		p.notify()
		p.mu.Unlock()
	}
}

func (p *Pipeline) drainAsync() {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	for {
		item := p.head()
		if item == nil {
			return
		}
		if err := p.rc.AcquireBackground(p.ctx); err != nil {
			p.finish(item, err)
			return
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), p.maxRetries), p.ctx)
		err := backoff.RetryNotify(func() error {
			return item.Dump(p.ctx)
		}, b, func(err error, next time.Duration) {
			p.logger.Warn("dump failed, retrying", "item", item.ID(), "segment", item.SegmentID(), "retry_in", next, "error", err)
		})
		p.rc.ReleaseBackground()

		p.finish(item, err)
		if err != nil {
			p.logger.Error("dump failed", "item", item.ID(), "segment", item.SegmentID(), "error", err)
			return
		}
	}
}

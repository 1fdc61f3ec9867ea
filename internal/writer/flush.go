package writer

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/safe"
	"github.com/hupe1980/docindex/model"
)

type flushRequest struct {
	dir     string
	locator model.Locator
	barrier chan struct{}
}

// FlushTracker syncs dumped segment directories in the background and
// reports the locator up to which dumped data is durable. Requests are
// handled in order, so a reported locator implies every earlier segment
// is durable too.
type FlushTracker struct {
	fsys   fs.FileSystem
	retry  fs.RetryPolicy
	logger *slog.Logger

	reqs chan flushRequest
	done chan struct{}

	mu      sync.Mutex
	flushed model.Locator
	failed  []string
	lastErr error
}

// NewFlushTracker starts a tracker. flushed is the locator already known
// to be durable.
func NewFlushTracker(fsys fs.FileSystem, retry fs.RetryPolicy, flushed model.Locator, logger *slog.Logger) *FlushTracker {
	t := &FlushTracker{
		fsys:    fs.Or(fsys),
		retry:   retry,
		logger:  logger,
		reqs:    make(chan flushRequest, 64),
		done:    make(chan struct{}),
		flushed: flushed,
	}
	safe.Go(logger, "flush tracker", t.run)
	return t
}

// Track schedules the sync of a dumped segment directory that a stored
// version refers to. loc is reported once the directory and its parent
// are synced.
func (t *FlushTracker) Track(dir string, loc model.Locator) {
	t.reqs <- flushRequest{dir: dir, locator: loc}
}

// Wait blocks until every request tracked before the call is handled.
func (t *FlushTracker) Wait(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case t.reqs <- flushRequest{barrier: barrier}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Flushed returns the newest durable locator.
func (t *FlushTracker) Flushed() model.Locator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushed
}

// Close handles the outstanding requests and stops the tracker.
func (t *FlushTracker) Close() error {
	close(t.reqs)
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *FlushTracker) run() {
	defer close(t.done)
	for req := range t.reqs {
		if req.barrier != nil {
			close(req.barrier)
			continue
		}
		t.handle(req)
	}
}

func (t *FlushTracker) handle(req flushRequest) {
	t.mu.Lock()
	dirs := append(slices.Clone(t.failed), req.dir)
	t.mu.Unlock()

	err := fs.Retry(context.Background(), t.retry, func() error {
		for _, dir := range dirs {
			if err := fs.SyncDir(t.fsys, dir); err != nil {
				return err
			}
			if err := fs.SyncDir(t.fsys, filepath.Dir(dir)); err != nil {
				return err
			}
		}
		return nil
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		// Later locators cannot be reported before these dirs are synced.
		t.failed = dirs
		t.lastErr = err
		t.logger.Error("segment sync failed", "dir", req.dir, "pending", len(dirs), "error", err)
		return
	}
	t.failed = nil
	t.lastErr = nil
	t.flushed = t.flushed.Max(req.locator)
}

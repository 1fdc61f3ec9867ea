// Package metrics defines the observer interface through which the
// partition reports operational events.
package metrics

import (
	"time"

	"github.com/hupe1980/docindex/model"
)

// Observer receives partition events. Implementations must be safe for
// concurrent use.
type Observer interface {
	// OnBuild is called after each build operation.
	OnBuild(kind model.OpKind, err error)

	// OnDump is called when a segment dump finishes or fails.
	OnDump(duration time.Duration, docs int, bytes int64, err error)

	// OnReopen is called after each reopen with the decision taken.
	OnReopen(decision string, duration time.Duration, err error)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)

	// OnMemory reports the usage of a quota.
	OnMemory(name string, used int64)

	// OnReaders reports the number of resident readers.
	OnReaders(count int)
}

// Noop is a no-op implementation of Observer.
type Noop struct{}

func (Noop) OnBuild(model.OpKind, error)             {}
func (Noop) OnDump(time.Duration, int, int64, error) {}
func (Noop) OnReopen(string, time.Duration, error)   {}
func (Noop) OnQueueDepth(string, int)                {}
func (Noop) OnMemory(string, int64)                  {}
func (Noop) OnReaders(int)                           {}

// Or returns o, or Noop when o is nil.
func Or(o Observer) Observer {
	if o == nil {
		return Noop{}
	}
	return o
}

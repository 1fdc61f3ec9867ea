// Package safe runs background goroutines that must not crash the process.
package safe

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a goroutine and recovers from panics. The panic and stack
// trace are logged to logger, or slog.Default when logger is nil.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be called directly by a deferred
// statement.
func Recover(logger *slog.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered in background task",
		"task", name,
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()),
	)
}

package docindex

import (
	"errors"
	"fmt"

	"github.com/hupe1980/docindex/internal/engine"
	"github.com/hupe1980/docindex/internal/fs"
	"github.com/hupe1980/docindex/internal/partition"
	"github.com/hupe1980/docindex/internal/reopen"
	"github.com/hupe1980/docindex/internal/segment"
	"github.com/hupe1980/docindex/internal/version"
	"github.com/hupe1980/docindex/internal/writer"
)

var (
	// ErrClosed is returned by a closed partition.
	ErrClosed = engine.ErrClosed
	// ErrInconsistentSchema is returned when a version was built with
	// another schema.
	ErrInconsistentSchema = engine.ErrInconsistentSchema
	// ErrIndexRollback is returned when the target version is older than
	// the loaded one.
	ErrIndexRollback = engine.ErrIndexRollback
	// ErrOfflineReopen is returned by Reopen on an offline partition.
	ErrOfflineReopen = engine.ErrOfflineReopen
	// ErrReopenRetry is returned when a reopen may succeed later. The
	// loaded data is unchanged.
	ErrReopenRetry = reopen.ErrReopenRetry
	// ErrOutOfMemory is returned by NeedDump when resource memory alone
	// exceeds the quota.
	ErrOutOfMemory = writer.ErrOutOfMemory
	// ErrNotFound is returned by readers for keys without a live document.
	ErrNotFound = partition.ErrNotFound
	// ErrVersionNotFound is returned when the target version does not
	// exist.
	ErrVersionNotFound = version.ErrNotFound
)

// BuildError wraps a rejected document.
type BuildError = writer.BuildError

// OpenStatus is the outcome of Open and Reopen.
type OpenStatus uint8

const (
	StatusOK OpenStatus = iota
	// StatusFail is a retryable failure, for example a reopen that could
	// not reserve memory.
	StatusFail
	StatusFileIOException
	StatusEngineException
	StatusUnknownException
	StatusInconsistentSchema
	StatusIndexRollback
)

func (s OpenStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFail:
		return "FAIL"
	case StatusFileIOException:
		return "FILEIO_EXCEPTION"
	case StatusEngineException:
		return "ENGINE_EXCEPTION"
	case StatusUnknownException:
		return "UNKNOWN_EXCEPTION"
	case StatusInconsistentSchema:
		return "INCONSISTENT_SCHEMA"
	case StatusIndexRollback:
		return "INDEX_ROLLBACK"
	default:
		return fmt.Sprintf("OpenStatus(%d)", uint8(s))
	}
}

// Retryable reports whether the same call may succeed later without
// changes by the caller.
func (s OpenStatus) Retryable() bool {
	return s == StatusFail || s == StatusFileIOException
}

// engineErrors are the failures the partition itself reports.
var engineErrors = []error{
	engine.ErrClosed,
	engine.ErrOfflineReopen,
	version.ErrNotFound,
	partition.ErrNoSecondary,
	partition.ErrUnknownSegment,
	partition.ErrReaderRegression,
	segment.ErrIncomplete,
	writer.ErrClosed,
	writer.ErrOutOfMemory,
}

// StatusOf classifies err into an OpenStatus.
func StatusOf(err error) OpenStatus {
	if err == nil {
		return StatusOK
	}
	switch {
	case errors.Is(err, engine.ErrInconsistentSchema):
		return StatusInconsistentSchema
	case errors.Is(err, engine.ErrIndexRollback):
		return StatusIndexRollback
	case fs.IsIOError(err):
		return StatusFileIOException
	case errors.Is(err, reopen.ErrReopenRetry):
		return StatusFail
	}
	for _, target := range engineErrors {
		if errors.Is(err, target) {
			return StatusEngineException
		}
	}
	return StatusUnknownException
}

// panicError is returned when Open or Reopen recovered from a panic.
type panicError struct {
	op    string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.op, e.value)
}

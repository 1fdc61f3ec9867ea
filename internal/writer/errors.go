package writer

import (
	"errors"
	"fmt"

	"github.com/hupe1980/docindex/model"
)

var (
	// ErrInvalidDocument is returned for documents with an unknown
	// operation or without primary key.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrUpdateUnsupported is returned for UPDATE operations when the
	// writer flushes realtime data on disk or dumps asynchronously.
	ErrUpdateUnsupported = errors.New("update not supported in this mode")
	// ErrDocumentNotFound is returned when updating a key without live
	// document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrOutOfMemory is returned by NeedDump when resource memory alone
	// exceeds the quota. It is not retryable.
	ErrOutOfMemory = errors.New("resource memory exceeds quota")
	// ErrClosed is returned by a closed writer.
	ErrClosed = errors.New("writer closed")
)

// BuildError describes a rejected build operation.
type BuildError struct {
	Kind model.OpKind
	PK   string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s %q: %v", e.Kind, e.PK, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func buildError(d *model.Document, err error) error {
	return &BuildError{Kind: d.Kind, PK: d.PK, Err: err}
}

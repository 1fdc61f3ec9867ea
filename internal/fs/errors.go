package fs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInjected is wrapped by every error FaultyFS produces.
var ErrInjected = errors.New("fs: injected fault")

// IsIOError reports whether err is a storage failure that may succeed when
// retried. Missing files are not considered transient.
func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInjected) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrShortWrite) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}

// RetryPolicy bounds the retries of transient IO failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// Interval is the fixed sleep between attempts.
	Interval time.Duration
}

// Retry runs op until it succeeds, fails with an error that is not an IO
// error, or the policy is exhausted. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), p.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsIOError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

package library

import (
	"github.com/pkg/errors"
)

// ErrExtract marks a file that couldn't be read as an ePub. It only ever
// affects that one file.
var ErrExtract = errors.New("unreadable epub")

// StorageError wraps a failure that aborted a whole reconciliation run. The
// run was rolled back and is safe to retry.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "library storage error: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the run may succeed.
func (e *StorageError) Retryable() bool {
	return true
}

// IsRetryable reports whether err came from a run that may succeed when
// retried.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable()
}

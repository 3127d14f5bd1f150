package storage

import "github.com/pkg/errors"

var (
	// ErrWriteConflict is returned when a write would overwrite a version the
	// transaction could not see. The caller should roll back and retry.
	ErrWriteConflict = errors.New("storage: write conflict, retry transaction")

	// ErrTransactionDone is returned by any operation on a transaction that
	// has already committed or rolled back.
	ErrTransactionDone = errors.New("storage: transaction already committed or rolled back")

	// ErrEngineClosed is returned by engine operations after Close.
	ErrEngineClosed = errors.New("storage: engine closed")
)

// IsRetryable reports whether err is a concurrency outcome that a caller
// can resolve by retrying the whole transaction. Every other error is an
// internal failure.
func IsRetryable(err error) bool {
	return errors.Cause(err) == ErrWriteConflict
}

package storage

import (
	"context"
	"errors"
	"time"

	"modernc.org/sqlite"
)

// SQLite primary result codes relevant for error classification.
const (
	codeBusy       = 5  // SQLITE_BUSY
	codeLocked     = 6  // SQLITE_LOCKED
	codeConstraint = 19 // SQLITE_CONSTRAINT
)

// retryDelay is how long a transient failure is backed off before the
// single retry.
const retryDelay = 100 * time.Millisecond

// IsTransient reports whether an error is worth one retry: the
// database was busy or locked by another connection.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case codeBusy, codeLocked:
		return true
	default:
		return false
	}
}

// IsConflict reports whether an error is a constraint violation. The
// enclosing transaction is aborted and the error propagated; there is
// no point retrying.
func IsConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == codeConstraint
}

// withRetry runs fn, retrying exactly once after a short delay if the
// first attempt failed transiently.
func withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !IsTransient(err) {
		return err
	}
	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

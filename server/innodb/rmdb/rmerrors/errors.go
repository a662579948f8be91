// Package rmerrors defines the error taxonomy shared by every layer of the
// rmdb storage/transaction core, following the Op+Err wrapper pattern used by
// buffer_pool.BufferPoolError.
package rmerrors

import "errors"

// Validation errors: abort the statement, not the transaction.
var (
	ErrDatabaseExists   = errors.New("database already exists")
	ErrDatabaseNotFound = errors.New("database not found")
	ErrTableExists      = errors.New("table already exists")
	ErrTableNotFound    = errors.New("table not found")
	ErrIndexExists      = errors.New("index already exists")
	ErrIndexNotFound    = errors.New("index not found")
	ErrColumnNotFound   = errors.New("column not found")
	ErrIncompatibleType = errors.New("incompatible column type")
	ErrInvalidValueCount = errors.New("value count does not match column count")
	ErrDatetimeFormat   = errors.New("invalid datetime format")
	ErrLoadNotMatch     = errors.New("csv load schema mismatch")
)

// Constraint errors: abort the transaction.
var (
	ErrIndexEntryRepeat = errors.New("duplicate index entry")
)

// Lookup errors.
var (
	ErrRecordNotFound     = errors.New("record not found")
	ErrIndexEntryNotFound = errors.New("index entry not found")
)

// Concurrency errors: abort the transaction.
var (
	ErrTransactionAbort = errors.New("transaction aborted")
)

// AbortReason classifies why the lock manager forced a TransactionAbort.
type AbortReason int

const (
	DeadlockPrevention AbortReason = iota
	UpgradeConflict
)

func (r AbortReason) String() string {
	switch r {
	case DeadlockPrevention:
		return "DEADLOCK_PREVENTION"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// System errors: process termination after log flush, in the real server;
// here they simply propagate.
var (
	ErrUnix     = errors.New("unix/io error")
	ErrInternal = errors.New("internal invariant violation")
)

// Error wraps an underlying error with the operation that produced it,
// mirroring buffer_pool.BufferPoolError so every layer reports errors the
// same shape.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": <nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap creates a new *Error tagging err with the operation name op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Is reports whether err ultimately wraps target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// TransactionAbortError carries the reason the lock manager aborted a txn.
type TransactionAbortError struct {
	Reason AbortReason
}

func (e *TransactionAbortError) Error() string {
	return "transaction abort: " + e.Reason.String()
}

func (e *TransactionAbortError) Unwrap() error {
	return ErrTransactionAbort
}

// NewTransactionAbort builds a TransactionAbortError for the given reason.
func NewTransactionAbort(reason AbortReason) error {
	return &TransactionAbortError{Reason: reason}
}

package reader

import (
	"errors"
	"fmt"
)

// ErrorClass tells the unit whether an RPC failure is worth retrying.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassFatal
)

func (c ErrorClass) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// RPCError is an RPC failure tagged with its retry class.
type RPCError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RPCError{Class: ClassTransient, Op: op, Err: err}
}

// Fatal marks err as not retryable.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RPCError{Class: ClassFatal, Op: op, Err: err}
}

// IsFatal reports whether err, or any error it wraps, is a fatal RPCError.
func IsFatal(err error) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Class == ClassFatal
}

// IsTransient reports whether err should be retried. Unclassified errors are transient.
func IsTransient(err error) bool {
	return err != nil && !IsFatal(err)
}

// CursorPersistenceError means a batch was delivered but its cursor was not
// saved. The in-memory cursor is left unchanged so the batch is redelivered.
type CursorPersistenceError struct {
	Account string
	Cursor  Cursor
	Err     error
}

func (e *CursorPersistenceError) Error() string {
	return fmt.Sprintf("persist cursor for %s at %s: %v", e.Account, e.Cursor.Signature, e.Err)
}

func (e *CursorPersistenceError) Unwrap() error { return e.Err }

// TransactionError is a failure that belongs to one transaction rather than
// to the endpoint. The unit reports it, skips the transaction and lets the
// cursor move past it.
type TransactionError struct {
	Signature string
	Err       error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Signature, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// SkipTransaction marks err as specific to signature.
func SkipTransaction(signature string, err error) error {
	if err == nil {
		return nil
	}
	return &TransactionError{Signature: signature, Err: err}
}

package database

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes that describe a transient conflict between transactions.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
	connectionException  = "08" // class prefix
)

// IsTransient reports whether err is a database failure that may succeed on a
// fresh attempt: a serialization failure, a deadlock, a connection exception,
// or a network error raised before PostgreSQL answered. Everything else,
// including constraint and syntax errors, is permanent regardless of its text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == serializationFailure, pgErr.Code == deadlockDetected:
			return true
		case strings.HasPrefix(pgErr.Code, connectionException):
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifiedError carries a retry decision made by IsTransient.
type classifiedError struct {
	err       error
	transient bool
}

func (e *classifiedError) Error() string     { return e.err.Error() }
func (e *classifiedError) Unwrap() error     { return e.err }
func (e *classifiedError) IsRetryable() bool { return e.transient }

// Retryable wraps err so retry.IsRetryable uses the SQLSTATE-based decision
// instead of matching on the message. The original error stays reachable
// through errors.Is and errors.As.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, transient: IsTransient(err)}
}

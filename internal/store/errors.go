// ABOUTME: Error taxonomy for the data store: transient, connection-lost, logic, invalid-argument.
// ABOUTME: classify maps pgconn errors to the taxonomy; callers branch with errors.As/errors.Is.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError is a deadlock or lock-wait-timeout failure. The connection
// retries these internally; one escaping to a caller means the retry budget
// was exhausted.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error (SQLSTATE %s): %v", e.Code, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConnectionLostError signals that the server connection is gone. The worker
// responds with the bounded reconnect protocol.
type ConnectionLostError struct {
	Code string
	Err  error
}

func (e *ConnectionLostError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("connection lost (SQLSTATE %s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("connection lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// ErrLogic marks misuse of the named-transaction API (begin twice for the
// same open name, commit/rollback of a name that is not open). It is a
// programming defect, never retried.
var ErrLogic = errors.New("transaction logic error")

// ErrInvalidArgument marks bad caller input (enqueue validation, webhook
// payload validation). Surfaced to the caller immediately, never retried.
var ErrInvalidArgument = errors.New("invalid argument")

// transientCodes are the SQLSTATEs retried in-connection: serialization
// failure, deadlock detected, lock not available.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

// connectionCodes are the SQLSTATEs treated as a lost server connection:
// class 08 plus admin/crash shutdown.
var connectionCodes = map[string]bool{
	"08000": true,
	"08003": true,
	"08006": true,
	"08001": true,
	"08004": true,
	"57P01": true,
	"57P02": true,
}

// classify wraps err as a TransientError or ConnectionLostError when it
// matches the taxonomy, and returns it unchanged otherwise. nil passes
// through.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case transientCodes[pgErr.Code]:
			return &TransientError{Code: pgErr.Code, Err: err}
		case connectionCodes[pgErr.Code]:
			return &ConnectionLostError{Code: pgErr.Code, Err: err}
		}
		return err
	}

	// Transport-level failures arrive as net or io errors, not SQLSTATEs.
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &ConnectionLostError{Err: err}
	}
	if pgconn.SafeToRetry(err) && !errors.Is(err, context.Canceled) {
		return &ConnectionLostError{Err: err}
	}
	return err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConnectionLost reports whether err is (or wraps) a ConnectionLostError.
func IsConnectionLost(err error) bool {
	var ce *ConnectionLostError
	return errors.As(err, &ce)
}

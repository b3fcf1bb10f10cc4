package database

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// DBError is the single error type the transaction runner surfaces for store
// failures. Code carries the SQLSTATE when the driver reported one.
type DBError struct {
	Code    string
	Message string
	Err     error
}

func (e *DBError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("database error [%s]: %s", e.Code, e.Message)
	}
	return "database error: " + e.Message
}

func (e *DBError) Unwrap() error { return e.Err }

// SQLSTATE codes classified as transient.
const (
	codeSerializationFailure   = "40001"
	codeDeadlockDetected       = "40P01"
	codeLockNotAvailable       = "55P03"
	codeQueryCanceled          = "57014"
	codeAdminShutdown          = "57P01"
	codeConnectionException    = "08000"
	codeConnectionDoesNotExist = "08003"
	codeConnectionFailure      = "08006"
)

var retryableCodes = map[string]bool{
	codeSerializationFailure:   true,
	codeDeadlockDetected:       true,
	codeLockNotAvailable:       true,
	codeQueryCanceled:          true,
	codeAdminShutdown:          true,
	codeConnectionException:    true,
	codeConnectionDoesNotExist: true,
	codeConnectionFailure:      true,
}

// Textual fallbacks for drivers and proxies that lose the SQLSTATE.
var retryablePatterns = []string{
	"deadlock",
	"serialization failure",
	"could not serialize access",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
	"lock timeout",
	"lock wait timeout",
}

var errorMessages = map[string]string{
	// Non-retryable data errors.
	"23505": "a record with the same unique value already exists",
	"23503": "the operation references a record that does not exist",
	"23502": "a required field is missing",
	"23514": "a field value violates a data constraint",
	"22P02": "a field value has an invalid format",
	"42703": "the query references an unknown column",
	"42P01": "the query references an unknown table",

	// Transient errors, surfaced only once retries are exhausted.
	codeSerializationFailure:   "the operation conflicted with a concurrent transaction",
	codeDeadlockDetected:       "the operation was cancelled to resolve a deadlock",
	codeLockNotAvailable:       "a required lock is held by another operation",
	codeQueryCanceled:          "the operation exceeded the statement timeout",
	codeAdminShutdown:          "the database server is shutting down",
	codeConnectionException:    "the database connection failed",
	codeConnectionDoesNotExist: "the database connection no longer exists",
	codeConnectionFailure:      "the database connection was lost",
}

// sqlState extracts the SQLSTATE from a pq error anywhere in the chain.
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsRetryable reports whether err is transient and worth retrying inside a
// fresh transaction.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if code := sqlState(err); code != "" {
		return retryableCodes[code]
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsConnectionError reports whether err indicates the connection itself is
// broken. The health-check loop treats these as critical and triggers
// reconnection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	switch sqlState(err) {
	case codeConnectionException, codeConnectionDoesNotExist, codeConnectionFailure, codeAdminShutdown:
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"bad connection",
		"no such host",
		"network is unreachable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Translate wraps err into a DBError, replacing well-known SQLSTATE codes
// with a human-readable message. The raw message is kept as fallback and the
// original error stays reachable through Unwrap.
func Translate(err error) *DBError {
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		return dbErr
	}

	code := sqlState(err)
	msg := err.Error()
	if mapped, ok := errorMessages[code]; ok {
		msg = mapped
	}

	return &DBError{Code: code, Message: msg, Err: err}
}

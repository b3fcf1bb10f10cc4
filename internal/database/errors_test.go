package database

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsRetryableByCode(t *testing.T) {
	cases := []struct {
		code      string
		retryable bool
	}{
		{"40001", true},  // serialization failure
		{"40P01", true},  // deadlock detected
		{"55P03", true},  // lock not available
		{"57014", true},  // statement cancelled
		{"08006", true},  // connection failure
		{"08003", true},  // connection does not exist
		{"57P01", true},  // admin shutdown
		{"23505", false}, // unique violation
		{"23503", false}, // foreign key violation
		{"23502", false}, // not-null violation
		{"23514", false}, // check violation
		{"22P02", false}, // malformed input
		{"42703", false}, // unknown column
		{"42P01", false}, // unknown table
	}

	for _, tc := range cases {
		err := &pq.Error{Code: pq.ErrorCode(tc.code), Message: "simulated"}
		if got := IsRetryable(err); got != tc.retryable {
			t.Errorf("IsRetryable(%s) = %v, want %v", tc.code, got, tc.retryable)
		}
	}
}

func TestIsRetryableByMessage(t *testing.T) {
	retryable := []error{
		errors.New("pq: deadlock detected"),
		errors.New("read tcp: connection reset by peer"),
		errors.New("dial tcp: connection refused"),
		errors.New("write: broken pipe"),
		errors.New("driver: bad connection"),
		errors.New("lock wait timeout exceeded"),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("IsRetryable(%q) = false, want true", err)
		}
	}

	if IsRetryable(errors.New("duplicate key value")) {
		t.Error("IsRetryable matched a non-transient message")
	}
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) = true")
	}
}

func TestIsRetryableBadConn(t *testing.T) {
	if !IsRetryable(driver.ErrBadConn) {
		t.Error("IsRetryable(driver.ErrBadConn) = false, want true")
	}
	if !IsRetryable(fmt.Errorf("begin: %w", driver.ErrBadConn)) {
		t.Error("IsRetryable(wrapped ErrBadConn) = false, want true")
	}
}

func TestIsConnectionError(t *testing.T) {
	if !IsConnectionError(&pq.Error{Code: "08006"}) {
		t.Error("08006 should be a connection error")
	}
	if !IsConnectionError(errors.New("dial tcp: no such host")) {
		t.Error("unresolvable host should be a connection error")
	}
	if IsConnectionError(&pq.Error{Code: "40001"}) {
		t.Error("a serialization failure is not a connection error")
	}
	if IsConnectionError(nil) {
		t.Error("IsConnectionError(nil) = true")
	}
}

func TestTranslateMapsKnownCodes(t *testing.T) {
	err := &pq.Error{Code: "23503", Message: "insert or update on table violates foreign key constraint"}

	dbErr := Translate(fmt.Errorf("create order: %w", err))
	if dbErr.Code != "23503" {
		t.Errorf("Code = %q, want %q", dbErr.Code, "23503")
	}
	if dbErr.Message != "the operation references a record that does not exist" {
		t.Errorf("Message = %q, want the mapped text", dbErr.Message)
	}
	if !errors.Is(dbErr, err) {
		t.Error("original cause not reachable through Unwrap")
	}
}

func TestTranslateFallsBackToRawMessage(t *testing.T) {
	raw := errors.New("something unclassified went wrong")

	dbErr := Translate(raw)
	if dbErr.Code != "" {
		t.Errorf("Code = %q, want empty", dbErr.Code)
	}
	if dbErr.Message != raw.Error() {
		t.Errorf("Message = %q, want the raw message", dbErr.Message)
	}
}

func TestTranslateIsIdempotent(t *testing.T) {
	original := Translate(&pq.Error{Code: "23505"})
	again := Translate(fmt.Errorf("wrapped: %w", original))
	if again != original {
		t.Error("Translate should return an existing *DBError unchanged")
	}
}

func TestDBErrorFormat(t *testing.T) {
	withCode := &DBError{Code: "23505", Message: "duplicate"}
	if got := withCode.Error(); got != "database error [23505]: duplicate" {
		t.Errorf("Error() = %q", got)
	}

	bare := &DBError{Message: "boom"}
	if got := bare.Error(); got != "database error: boom" {
		t.Errorf("Error() = %q", got)
	}
}

package marketplace

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Class is the error classification shared by the token lifecycle and the
// rate-limited call layer. Account-level permanent classes halt the account
// for the tick; listing-level permanent classes halt only the listing.
type Class string

const (
	ClassNotConnected     Class = "not_connected"
	ClassDecryptionFailed Class = "decryption_failed"
	ClassRefreshRejected  Class = "refresh_rejected"
	ClassTransient        Class = "transient"
	ClassRateLimited      Class = "rate_limited"
	ClassClientError      Class = "client_error"
	ClassAuthError        Class = "auth_error"
)

// CallError carries the classification of a failed marketplace operation.
type CallError struct {
	Class      Class
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Class, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Class)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func newCallError(op string, class Class, status int, err error) *CallError {
	return &CallError{Class: class, Op: op, StatusCode: status, Err: err}
}

// NewError builds a classified error. Collaborators outside this package
// (and their test fakes) use it to speak the same taxonomy.
func NewError(op string, class Class, err error) *CallError {
	return &CallError{Class: class, Op: op, Err: err}
}

// ClassOf extracts the classification from err, defaulting to Transient for
// untyped errors (network failures, context timeouts) so callers retry
// within bounds rather than giving up on an account permanently.
func ClassOf(err error) Class {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// IsPermanent reports whether err should not be retried at all.
// AuthError is permanent here because the call layer has already spent its
// single re-refresh retry by the time the error escapes.
func IsPermanent(err error) bool {
	switch ClassOf(err) {
	case ClassClientError, ClassAuthError, ClassRefreshRejected, ClassNotConnected, ClassDecryptionFailed:
		return true
	}
	return false
}

// IsAccountLevel reports whether err poisons the whole account for the tick.
func IsAccountLevel(err error) bool {
	switch ClassOf(err) {
	case ClassRefreshRejected, ClassNotConnected, ClassDecryptionFailed:
		return true
	}
	return false
}

// classifyStatus maps a marketplace HTTP status to a Class. The remote error
// taxonomy is stable: 429 signals throttling, 401 a rejected access
// credential mid-call, other 4xx are request/validation problems, 5xx are
// service-side and retryable.
func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusUnauthorized:
		return ClassAuthError
	case code >= 400 && code < 500:
		return ClassClientError
	default:
		return ClassTransient
	}
}

package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass is the closed set of dispatch failure categories.
type ErrorClass int

const (
	// ClassTransient covers network failures, 5xx responses, and
	// timeouts. Retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassCapacity is shared-pool capacity exhaustion. Retried with
	// exponential backoff and jitter.
	ClassCapacity
	// ClassQuotaViolation is a fixed-quota hard limit. Not retried with
	// backoff; surfaced with the schedule the server reported.
	ClassQuotaViolation
	// ClassFatal covers authentication and malformed-request failures.
	// Never retried.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCapacity:
		return "capacity_exhausted"
	case ClassQuotaViolation:
		return "quota_violation"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// DispatchError is a classified failure from one dispatch attempt.
type DispatchError struct {
	Class      ErrorClass
	Model      string
	Status     int
	Timeout    bool
	RetryAfter time.Duration
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed (%s): %v", e.Model, e.Class, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ClassOf extracts the error class from err, defaulting to ClassTransient
// for unclassified errors so unknown failures stay retryable.
func ClassOf(err error) ErrorClass {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassTransient
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassCapacity:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err was a dispatch deadline expiry.
func IsTimeout(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Timeout
}

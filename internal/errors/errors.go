package errors

import (
	"context"
	"errors"
)

// Common application errors for type-safe error handling.
// These errors can be checked using errors.Is() instead of string comparison.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal server error")
)

// Validation errors: surfaced to the caller immediately, never retried.
var (
	ErrLocationUnavailable = errors.New("current location unavailable")
	ErrTooFar              = errors.New("drop location is outside the allowed distance")
	ErrInvalidCategory     = errors.New("unrecognized incident category")
	ErrMediaTooLong        = errors.New("video exceeds maximum duration")
	ErrMediaTooLarge       = errors.New("video exceeds maximum file size")
	ErrMalformedRecord     = errors.New("malformed pin record")
	ErrNotCancellable      = errors.New("upload can no longer be cancelled")
	ErrEntryTooLarge       = errors.New("cache entry exceeds cache capacity")
)

// Transient errors: retried with backoff, then demoted to the failed store.
var (
	ErrTimeout            = errors.New("network operation timed out")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAuthExpired        = errors.New("auth token expired")
	ErrTranscodeFailed    = errors.New("transcode failed")
	ErrTranscodeCancelled = errors.New("transcode cancelled")
)

// Fatal errors: the engine can no longer guarantee durability.
var (
	ErrStorageUnwritable = errors.New("local storage unwritable")
)

// Kind groups errors by how the engine reacts to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindIntegrity
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var validationErrors = []error{
	ErrLocationUnavailable,
	ErrTooFar,
	ErrInvalidCategory,
	ErrMediaTooLong,
	ErrMediaTooLarge,
	ErrInvalidInput,
	ErrUnauthorized,
	ErrNotCancellable,
	ErrEntryTooLarge,
	ErrNotFound,
}

var transientErrors = []error{
	ErrTimeout,
	ErrServiceUnavailable,
	ErrAuthExpired,
	ErrTranscodeFailed,
	ErrTranscodeCancelled,
	context.DeadlineExceeded,
}

// KindOf classifies err. Fatal wins over everything else, and a malformed
// record is an integrity problem rather than a caller mistake.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrStorageUnwritable) {
		return KindFatal
	}
	if errors.Is(err, ErrMalformedRecord) {
		return KindIntegrity
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return KindValidation
		}
	}
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return KindTransient
		}
	}
	return KindUnknown
}

// IsRetryable reports whether a pipeline failure should count against the
// retry budget instead of failing the job outright. Unclassified errors are
// treated as transient: most of them are raw network failures.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return err != nil
	default:
		return false
	}
}

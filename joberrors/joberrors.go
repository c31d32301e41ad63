// Package joberrors defines the closed error taxonomy shared by every
// component of the export-job service, as specified in section 7 of the
// design specification. Errors are sentinel-wrapped values (in the style of
// itemimage.ErrCorrupt) so callers can classify them with errors.Is/As
// without depending on string matching.
package joberrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the closed set of error categories a component may
// surface. Kind is carried on every *Error so callers that only have an
// error interface value can still recover the taxonomy.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindNotFound              Kind = "NotFound"
	KindInvalidTransition     Kind = "InvalidTransition"
	KindTerminalStateViolation Kind = "TerminalStateViolation"
	KindDownloadFailed        Kind = "DownloadFailed"
	KindSizeExceeded          Kind = "SizeExceeded"
	KindSizeMismatch          Kind = "SizeMismatch"
	KindChecksumMismatch      Kind = "ChecksumMismatch"
	KindUploadFailed          Kind = "UploadFailed"
	KindProviderError         Kind = "ProviderError"
	KindPollingTimeout        Kind = "PollingTimeout"
	KindPoolSaturated         Kind = "PoolSaturated"
	KindExecutorCrashed       Kind = "ExecutorCrashed"
	KindPoolShutdown          Kind = "PoolShutdown"
	KindCallbackFailed        Kind = "CallbackFailed"
)

// Error is the concrete error type every component returns for a classified
// failure. Wrap an underlying cause with Wrap or New; the Kind and
// Retryable flag are fixed at construction per the table in spec section 7.
type Error struct {
	Kind      Kind
	Message   string
	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure is transient and worth retrying,
// per the per-kind defaults in spec section 7.
func (e *Error) Retryable() bool { return e.retryable }

// defaultRetryable captures the non-contextual default for each kind. Some
// kinds (DownloadFailed, ProviderError) are re-classified at the call site
// because retryability there depends on a status code, not just the kind.
var defaultRetryable = map[Kind]bool{
	KindValidation:             false,
	KindNotFound:               false,
	KindInvalidTransition:      false,
	KindTerminalStateViolation: false,
	KindDownloadFailed:         false,
	KindSizeExceeded:           false,
	KindSizeMismatch:           false,
	KindChecksumMismatch:       true,
	KindUploadFailed:           true,
	KindProviderError:          true,
	KindPollingTimeout:         false,
	KindPoolSaturated:          false,
	KindExecutorCrashed:        true,
	KindPoolShutdown:           false,
	KindCallbackFailed:         false,
}

// New creates a classified error with the kind's default retryability.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, retryable: defaultRetryable[kind]}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause, retryable: defaultRetryable[kind]}
}

// WithRetryable overrides the default retryability, for call sites that know
// more than the kind alone (e.g. DownloadFailed is retryable iff status>=500).
func (e *Error) WithRetryable(retryable bool) *Error {
	e.retryable = retryable
	return e
}

// Is supports errors.Is(err, joberrors.New(kind, "")) comparisons by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any, and whether it was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err is a classified *Error marked retryable.
// Unclassified errors are treated as non-retryable by default.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

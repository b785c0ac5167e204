package secret

import (
	"errors"
	"fmt"
)

// Kind is the coarse class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindTransient
	KindFatal
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// ValidationError reports input that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown record or secret manager.
type NotFoundError struct {
	// Kind is "secret", "file" or "secret manager".
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// BackendTransientError is a backend failure that may succeed on retry:
// timeouts, throttling, internal or dependency errors.
type BackendTransientError struct {
	Backend EncryptionType
	Op      string
	Err     error
}

func (e BackendTransientError) Error() string {
	return fmt.Sprintf("%s %s failed (transient): %v", e.Backend, e.Op, e.Err)
}

func (e BackendTransientError) Unwrap() error { return e.Err }

// BackendFatalError is a backend failure that retrying will not fix: bad
// credentials, malformed ciphertext, a missing referenced secret.
type BackendFatalError struct {
	Backend EncryptionType
	Op      string
	Err     error
}

func (e BackendFatalError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e BackendFatalError) Unwrap() error { return e.Err }

// AuthorizationError reports a caller acting outside its scope.
type AuthorizationError struct {
	Message string
}

func (e AuthorizationError) Error() string {
	return "not authorized: " + e.Message
}

// OperationError is returned once the retry budget for a backend call is
// spent, or the call failed fatally.
type OperationError struct {
	Op       string
	Record   string
	Attempts int
	Err      error
}

func (e OperationError) Error() string {
	return fmt.Sprintf("%s of %q failed after %d attempt(s): %v", e.Op, e.Record, e.Attempts, e.Err)
}

func (e OperationError) Unwrap() error { return e.Err }

// KindOf classifies err. OperationError is always fatal, whatever it wraps,
// so callers never retry an already-retried call.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		validation ValidationError
		notFound   NotFoundError
		auth       AuthorizationError
		op         OperationError
		transient  BackendTransientError
		fatal      BackendFatalError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &auth):
		return KindAuthorization
	case errors.As(err, &op):
		return KindFatal
	case errors.As(err, &transient):
		return KindTransient
	case errors.As(err, &fatal):
		return KindFatal
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

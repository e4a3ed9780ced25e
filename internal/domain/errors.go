package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Connectivity errors
var (
	ErrNoConnection = errors.New("no network connection")
	ErrTimeout      = errors.New("request timed out")
)

// Authorization errors
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// Server errors
var (
	ErrServer      = errors.New("server error")
	ErrRateLimited = errors.New("rate limited")
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Storage errors
var (
	ErrStorage             = errors.New("storage error")
	ErrInsufficientStorage = errors.New("insufficient storage")
	ErrQuotaExceeded       = errors.New("item exceeds media type quota")
	ErrFormatNotAllowed    = errors.New("media format not allowed")
)

// Logical errors
var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyDownloaded      = errors.New("content already downloaded")
	ErrAlreadyInProgress      = errors.New("download already in progress")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCancelled              = errors.New("cancelled")
)

// Decoding errors
var (
	ErrDecoding = errors.New("response decoding failed")
)

// ErrorKind groups errors by how callers are expected to react to them.
type ErrorKind string

const (
	KindUnknown       ErrorKind = "unknown"
	KindConnectivity  ErrorKind = "connectivity"
	KindAuthorization ErrorKind = "authorization"
	KindServer        ErrorKind = "server"
	KindStorage       ErrorKind = "storage"
	KindLogical       ErrorKind = "logical"
	KindDecoding      ErrorKind = "decoding"
)

// Kind classifies err into the error taxonomy.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNoConnection), errors.Is(err, ErrTimeout):
		return KindConnectivity
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrServer), errors.Is(err, ErrRateLimited), errors.Is(err, ErrCircuitOpen):
		return KindServer
	case errors.Is(err, ErrStorage), errors.Is(err, ErrInsufficientStorage),
		errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrFormatNotAllowed):
		return KindStorage
	case errors.Is(err, ErrDecoding):
		return KindDecoding
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyDownloaded),
		errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrCancelled):
		return KindLogical
	default:
		return KindUnknown
	}
}

// ServerError reports a non-success HTTP status.
type ServerError struct {
	StatusCode int
}

// Error returns the error message
func (e *ServerError) Error() string {
	return "server error: status " + strconv.Itoa(e.StatusCode)
}

// Is reports ServerError as ErrServer
func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// StorageError reports a failed filesystem or metadata operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

// Error returns the error message
func (e *StorageError) Error() string {
	msg := "storage error: " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports StorageError as ErrStorage
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError creates a new storage error
func NewStorageError(op, path string, err error) *StorageError {
	return &StorageError{Op: op, Path: path, Err: err}
}

// RequestError is the final outcome of a request after retries are exhausted.
// It matches both its Kind and the last underlying error with errors.Is.
type RequestError struct {
	Kind     error
	Attempts int
	Err      error
}

// Error returns the error message
func (e *RequestError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("%v (attempts: %d)", e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%v (attempts: %d): %v", e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the kind and the last underlying error
func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// SkippableError represents an error that can be logged and skipped.
// Processing can continue with the next item when this error occurs.
type SkippableError struct {
	Err     error
	Context string
}

// Error returns the error message
func (e *SkippableError) Error() string {
	if e.Context != "" {
		if e.Err != nil {
			return e.Context + ": " + e.Err.Error()
		}
		return e.Context
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "skippable error"
}

// Unwrap returns the underlying error
func (e *SkippableError) Unwrap() error {
	return e.Err
}

// NewSkippableError creates a new skippable error
func NewSkippableError(err error, context string) *SkippableError {
	return &SkippableError{Err: err, Context: context}
}

// IsSkippable returns true if the error can be skipped
func IsSkippable(err error) bool {
	var se *SkippableError
	return errors.As(err, &se)
}

// RetryableError represents an error that should trigger a retry.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

// Error returns the error message
func (e *RetryableError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "retryable error"
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, retryAfter time.Duration) *RetryableError {
	return &RetryableError{Err: err, RetryAfter: retryAfter}
}

// IsRetryable returns true if the error should be retried
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// GetRetryAfter returns the retry duration if the error is retryable
func GetRetryAfter(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

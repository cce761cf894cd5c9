package lfs

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusBandwidthLimitExceeded is not defined by net/http.
const StatusBandwidthLimitExceeded = 509

// ErrorKind classifies the failures a batch request can end in.
// Every kind maps to exactly one HTTP status.
type ErrorKind int

const (
	// Generic is an unexpected internal failure.
	Generic ErrorKind = iota
	// Validation is a problem with one or more objects in the request.
	Validation
	// RepositoryNotFound means the repository does not exist for the caller.
	RepositoryNotFound
	// RepositoryReadOnly means the caller can read, but not write.
	RepositoryReadOnly
	RateLimitExceeded
	BandwidthLimitExceeded
	InsufficientStorage
	// Unavailable means LFS is not available for the repository right now.
	Unavailable
	Unauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case Generic:
		return "Generic"
	case Validation:
		return "Validation"
	case RepositoryNotFound:
		return "RepositoryNotFound"
	case RepositoryReadOnly:
		return "RepositoryReadOnly"
	case RateLimitExceeded:
		return "RateLimitExceeded"
	case BandwidthLimitExceeded:
		return "BandwidthLimitExceeded"
	case InsufficientStorage:
		return "InsufficientStorage"
	case Unavailable:
		return "Unavailable"
	case Unauthorized:
		return "Unauthorized"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// StatusCode returns the HTTP status for the kind.
// It panics on a value outside of the declared kinds.
func (k ErrorKind) StatusCode() int {
	switch k {
	case Generic:
		return http.StatusInternalServerError
	case Validation:
		return http.StatusUnprocessableEntity
	case RepositoryNotFound:
		return http.StatusNotFound
	case RepositoryReadOnly:
		return http.StatusForbidden
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case BandwidthLimitExceeded:
		return StatusBandwidthLimitExceeded
	case InsufficientStorage:
		return http.StatusInsufficientStorage
	case Unavailable:
		return http.StatusServiceUnavailable
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		panic(fmt.Sprintf("lfs: unknown error kind %d", int(k)))
	}
}

// KindForStatus is the inverse of ErrorKind.StatusCode.
// Statuses which no kind maps to are Generic.
func KindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusUnprocessableEntity:
		return Validation
	case http.StatusNotFound:
		return RepositoryNotFound
	case http.StatusForbidden:
		return RepositoryReadOnly
	case http.StatusTooManyRequests:
		return RateLimitExceeded
	case StatusBandwidthLimitExceeded:
		return BandwidthLimitExceeded
	case http.StatusInsufficientStorage:
		return InsufficientStorage
	case http.StatusServiceUnavailable:
		return Unavailable
	case http.StatusUnauthorized:
		return Unauthorized
	default:
		return Generic
	}
}

// Error is a batch level failure.
// The Message is shown to the client.
type Error struct {
	Kind    ErrorKind
	Message string
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status for the error.
func (e *Error) StatusCode() int {
	return e.Kind.StatusCode()
}

// InternalMessage replaces the message of errors which are not an *Error.
const InternalMessage = "internal server error"

// AsError returns the *Error in err's chain.
// Any other error is reported as Generic, without exposing its text.
// AsError returns nil if err is nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(Generic, InternalMessage)
}

// KindOf returns the kind of err.  Errors which are not an *Error are Generic.
// err must not be nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		panic("lfs: KindOf(nil)")
	}
	return AsError(err).Kind
}

// IsKind returns true if err has an *Error of kind k in its chain.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// ErrObjectNotFound is returned by a Repository for objects it does not have.
var ErrObjectNotFound = errors.New("object does not exist")

// ErrSizeMismatch is returned when content does not have the declared size.
type ErrSizeMismatch struct {
	OID      OID
	Expected int64
	Actual   int64
}

func (e ErrSizeMismatch) Error() string {
	return fmt.Sprintf("object %v has size %d, expected %d", e.OID, e.Actual, e.Expected)
}

func IsErrSizeMismatch(err error) bool {
	return errors.As(err, &ErrSizeMismatch{})
}

// ErrDigestMismatch is returned when content does not hash to the OID it was stored under.
type ErrDigestMismatch struct {
	Expected OID
	Actual   OID
}

func (e ErrDigestMismatch) Error() string {
	return fmt.Sprintf("content hashes to %v, expected %v", e.Actual, e.Expected)
}

func IsErrDigestMismatch(err error) bool {
	return errors.As(err, &ErrDigestMismatch{})
}

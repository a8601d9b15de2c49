package fios

import (
	"errors"
	"fmt"
)

// Error represents a transfer error.
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Err is the underlying cause, if any
	Err error
}

// ErrorType categorizes transfer errors.
type ErrorType int

const (
	// ErrProtocol indicates a malformed or unexpected frame
	ErrProtocol ErrorType = iota

	// ErrTimeout indicates a blocking read exceeded its bound
	ErrTimeout

	// ErrIO indicates a link read or write failure
	ErrIO

	// ErrCancelled indicates the session was closed while active
	ErrCancelled

	// ErrSizeBound indicates a file size outside [0, MaxFileSize]
	ErrSizeBound

	// ErrSizeMismatch indicates the transferred byte count disagrees with the negotiated size
	ErrSizeMismatch

	// ErrFileIO indicates a local file read or write failure
	ErrFileIO

	// ErrPeer indicates the peer reported an error
	ErrPeer

	// ErrLinkOpen indicates the serial device could not be opened
	ErrLinkOpen

	// ErrSessionCreate indicates a session could not be created
	ErrSessionCreate

	// ErrClosed indicates use of a closed link or session
	ErrClosed

	// ErrBusy indicates the link already has an open session
	ErrBusy
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fios %s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("fios %s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func (t ErrorType) String() string {
	switch t {
	case ErrProtocol:
		return "protocol error"
	case ErrTimeout:
		return "timeout"
	case ErrIO:
		return "I/O error"
	case ErrCancelled:
		return "cancelled"
	case ErrSizeBound:
		return "size bound violation"
	case ErrSizeMismatch:
		return "size mismatch"
	case ErrFileIO:
		return "file I/O error"
	case ErrPeer:
		return "peer error"
	case ErrLinkOpen:
		return "link open failure"
	case ErrSessionCreate:
		return "session create failure"
	case ErrClosed:
		return "closed"
	case ErrBusy:
		return "busy"
	default:
		return "unknown error"
	}
}

// NewError creates a new transfer error.
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// WrapError creates a new transfer error around an underlying cause.
func WrapError(errType ErrorType, message string, err error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// TypeOf returns the ErrorType of err, and false if err is not a transfer error.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

func isType(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsProtocol checks if an error is a protocol error.
func IsProtocol(err error) bool {
	return isType(err, ErrProtocol)
}

// IsIO checks if an error is a link I/O error.
func IsIO(err error) bool {
	return isType(err, ErrIO)
}

// IsCancelled checks if an error indicates cancellation.
func IsCancelled(err error) bool {
	return isType(err, ErrCancelled)
}

// IsClosed checks if an error indicates use of a closed link or session.
func IsClosed(err error) bool {
	return isType(err, ErrClosed)
}

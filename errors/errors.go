package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or misuse
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind places a link failure in the negotiation/allocation/node/misuse taxonomy.
type Kind int

const (
	// KindNone marks errors that are not link failures
	KindNone Kind = iota
	// KindNegotiation means no compatible format exists
	KindNegotiation
	// KindAllocation means no buffer pairing exists or shared memory could not be allocated
	KindAllocation
	// KindNode means a node operation (format, buffers, start) failed
	KindNode
	// KindMisuse means the caller asked for something impossible (self link, duplicate link)
	KindMisuse
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindNegotiation:
		return "negotiation"
	case KindAllocation:
		return "allocation"
	case KindNode:
		return "node"
	case KindMisuse:
		return "misuse"
	default:
		return "none"
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrShuttingDown   = errors.New("shutting down")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Resource errors
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotFound          = errors.New("object not found")

	// Link errors
	ErrNoFormat         = errors.New("no common format")
	ErrNoBufferPairing  = errors.New("no common buffer alloc found")
	ErrAllocFailed      = errors.New("shared memory allocation failed")
	ErrSamePort         = errors.New("can't link the same ports")
	ErrLinkExists       = errors.New("link already exists")
	ErrWrongDirection   = errors.New("ports have incompatible directions")
	ErrPortError        = errors.New("port in error state")
	ErrNodeError        = errors.New("node in error state")
	ErrLinkDestroyed    = errors.New("link destroyed")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"temporary",
		"unavailable",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrAllocFailed) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"fatal", "panic", "out of memory"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input or misuse
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrSamePort) ||
		errors.Is(err, ErrLinkExists) ||
		errors.Is(err, ErrWrongDirection) ||
		errors.Is(err, ErrInvalidParameter)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

// KindOf returns the link failure kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrNoFormat):
		return KindNegotiation
	case errors.Is(err, ErrNoBufferPairing), errors.Is(err, ErrAllocFailed):
		return KindAllocation
	case errors.Is(err, ErrSamePort), errors.Is(err, ErrLinkExists), errors.Is(err, ErrWrongDirection):
		return KindMisuse
	}
	return KindNone
}

// newClassified creates a new classified error.
// Use WrapTransient(), WrapFatal(), WrapInvalid() or WrapKind() instead.
func newClassified(class ErrorClass, kind Kind, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Kind:      kind,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WrapKind wraps a link failure. Misuse is invalid, every other kind is fatal
// for the link: it is never retried in place.
func WrapKind(err error, kind Kind, component, method, action string) error {
	if err == nil {
		return nil
	}
	class := ErrorFatal
	if kind == KindMisuse {
		class = ErrorInvalid
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, kind, wrappedErr, component, method, wrappedErr.Error())
}

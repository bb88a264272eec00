// Package errors provides standardized error handling for FloorLink
// components. It classifies errors into the categories the server reacts
// to differently: transport failures are retried via reconnect, persistence
// failures abort a single message, format failures are logged and dropped,
// conflicts are normal business outcomes, and resource exhaustion sheds load.
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
	// ErrorTransport represents broker connect/publish failures; retried
	// via the reconnect path, never fatal to the process
	ErrorTransport ErrorClass = iota
	// ErrorPersistence represents database failures; surfaced as a
	// SYSTEM_ERROR response and aborts the triggering message only
	ErrorPersistence
	// ErrorFormat represents malformed payloads; logged, no response
	ErrorFormat
	// ErrorConflict represents business-rule violations (duplicate login,
	// bundle conflicts); an expected outcome, not an exceptional condition
	ErrorConflict
	// ErrorResource represents load shedding (queue full, rate limited)
	ErrorResource
	// ErrorFatal represents unrecoverable startup failures
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransport:
		return "transport"
	case ErrorPersistence:
		return "persistence"
	case ErrorFormat:
		return "format"
	case ErrorConflict:
		return "conflict"
	case ErrorResource:
		return "resource"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Broker connection errors
	ErrNotConnected       = errors.New("not connected to broker")
	ErrConnectionLost     = errors.New("broker connection lost")
	ErrConnectionTimeout  = errors.New("broker connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrPublishFailed      = errors.New("publish failed")

	// Payload errors
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownTopic     = errors.New("message topic not recognized")

	// Persistence errors
	ErrStoreUnavailable = errors.New("persistence store unavailable")
	ErrNoRowsAffected   = errors.New("no rows affected")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Resource errors
	ErrQueueFull   = errors.New("submission queue full")
	ErrRateLimited = errors.New("message rate limited")
)

// ClassifiedError wraps an error with its classification and the
// component/operation that produced it.
type ClassifiedError struct {
	Class     ErrorClass
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

// classOf returns the explicit class of a classified error, if any.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransport checks if an error is a broker transport failure
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransport
	}
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrSubscriptionFailed) ||
		errors.Is(err, ErrPublishFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsPersistence checks if an error came from the persistence collaborator
func IsPersistence(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorPersistence
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrNoRowsAffected) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"sql", "database", "driver"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsFormat checks if an error is due to a malformed payload
func IsFormat(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFormat
	}
	return errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrUnknownTopic)
}

// IsConflict checks if an error is a business-rule conflict
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	class, ok := classOf(err)
	return ok && class == ErrorConflict
}

// IsResource checks if an error is a load-shedding condition
func IsResource(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorResource
	}
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrRateLimited)
}

// IsFatal checks if an error should abort process startup
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error. Unknown errors default to
// transport so the caller leans toward retrying rather than crashing.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransport
	}
	if class, ok := classOf(err); ok {
		return class
	}
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsResource(err):
		return ErrorResource
	case IsFormat(err):
		return ErrorFormat
	case IsPersistence(err):
		return ErrorPersistence
	default:
		return ErrorTransport
	}
}

// newClassified creates a new classified error.
// Internal helper - use the WrapX functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
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

// WrapTransport wraps an error as a transport failure with context
func WrapTransport(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransport, wrapped, component, method, wrapped.Error())
}

// WrapPersistence wraps an error as a persistence failure with context
func WrapPersistence(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorPersistence, wrapped, component, method, wrapped.Error())
}

// WrapFormat wraps an error as a payload format failure with context
func WrapFormat(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFormat, wrapped, component, method, wrapped.Error())
}

// WrapConflict wraps an error as a business-rule conflict with context
func WrapConflict(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorConflict, wrapped, component, method, wrapped.Error())
}

// WrapResource wraps an error as a load-shedding condition with context
func WrapResource(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorResource, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrapped, component, method, wrapped.Error())
}

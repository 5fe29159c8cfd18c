package broker

import (
	"errors"
	"fmt"
)

// Error represents a broker library error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for broker operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeStore indicates a store operation failed.
	ErrCodeStore = "STORE_ERROR"

	// ErrCodeHandler indicates a subscription handler failed.
	ErrCodeHandler = "HANDLER_ERROR"

	// ErrCodeBufferFull indicates the pending-publish buffer is at capacity.
	ErrCodeBufferFull = "BUFFER_FULL"

	// ErrCodeClosed indicates the broker has been closed.
	ErrCodeClosed = "BROKER_CLOSED"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrClosed is returned when an operation is attempted on a closed broker.
	ErrClosed = &Error{
		Code:    ErrCodeClosed,
		Message: "broker is closed",
	}

	// ErrBufferFull is returned when a publish is rejected because the
	// pending-publish buffer reached its configured limit during an outage.
	ErrBufferFull = &Error{
		Code:    ErrCodeBufferFull,
		Message: "pending publish buffer is full",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Code == ErrCodeNoData
	}
	return errors.Is(err, ErrNoData)
}

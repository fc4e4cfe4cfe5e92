package protocol

import (
	"fmt"
	"time"
)

// ErrorCode identifies the failure class surfaced to a client. Nothing in
// this taxonomy is fatal to the process; the terminal unit is always a
// single connection.
type ErrorCode string

const (
	// Malformed payload. Event dropped, connection stays open.
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	// Acting outside standing, e.g. messaging a room not joined.
	CodeAuthorization ErrorCode = "AUTHORIZATION_ERROR"
	// Soft limit hit; signaled via rate_limit_exceeded, never disconnects.
	CodeRateLimit ErrorCode = "RATE_LIMIT_EXCEEDED"
	// Surfaced only through the authenticate callback.
	CodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	// Unexpected failure; logged, generic error emitted to the offender only.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ClientError is a connection-scoped handler failure carrying its taxonomy
// code. Handlers return it so the dispatcher can emit a uniform error event.
type ClientError struct {
	Code    ErrorCode
	Message string
	Details string
}

func (e *ClientError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Event converts the error into its wire representation.
func (e *ClientError) Event() *ErrorEvent {
	return &ErrorEvent{
		Code:      e.Code,
		Message:   e.Message,
		Timestamp: time.Now().UnixMilli(),
		Details:   e.Details,
	}
}

func ValidationError(msg string) *ClientError {
	return &ClientError{Code: CodeValidation, Message: msg}
}

func AuthorizationError(msg string) *ClientError {
	return &ClientError{Code: CodeAuthorization, Message: msg}
}

func InternalError(details string) *ClientError {
	return &ClientError{Code: CodeInternal, Message: "internal error", Details: details}
}

func fieldError(field, problem string) *ClientError {
	return &ClientError{Code: CodeValidation, Message: fmt.Sprintf("%s: %s", field, problem)}
}

// Package apperr defines the structured error taxonomy shared by every
// component. Each component boundary re-wraps lower-level failures with its
// own code and keeps the original message as the cause.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure for programmatic handling.
type Code string

const (
	// Channel layer.
	CodeAuthentication Code = "AUTHENTICATION"
	CodeConnectivity   Code = "CONNECTIVITY"
	CodeProtocol       Code = "PROTOCOL"
	CodeTimeout        Code = "TIMEOUT"

	// Cluster client layer.
	CodeConnection Code = "CONNECTION"
	CodeUpstream   Code = "UPSTREAM"

	// Credential layer.
	CodeProvision        Code = "PROVISION"
	CodePartialProvision Code = "PARTIAL_PROVISION"
	CodeInvalidRole      Code = "INVALID_ROLE"

	// Installer.
	CodeCheck             Code = "CHECK"
	CodeAlreadyInstalled  Code = "ALREADY_INSTALLED"
	CodeDependencyMissing Code = "DEPENDENCY_MISSING"

	// Orchestrator and boundary.
	CodeDuplicateName  Code = "DUPLICATE_NAME"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeInternal       Code = "INTERNAL"
)

// Error is a classified failure with an optional cause and debugging context.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewWithContext creates an Error carrying context information.
func NewWithContext(code Code, message string, context map[string]any) *Error {
	return &Error{Code: code, Message: message, Context: context}
}

// Wrap wraps cause with a code and message.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WrapWithContext wraps cause and attaches context for diagnosis.
func WrapWithContext(code Code, message string, cause error, context map[string]any) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Context: context}
}

// CodeOf returns the code of the outermost Error in err's chain, or
// CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// HTTPStatus maps a code to the HTTP status family used at the boundary.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeInvalidRole, CodeAuthentication:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateName, CodeAlreadyInstalled:
		return http.StatusConflict
	case CodeConnectivity, CodeProtocol, CodeConnection, CodeUpstream,
		CodeProvision, CodePartialProvision, CodeCheck, CodeDependencyMissing:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Package errors provides unified, structured error handling for the scheduler and agent runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Validation errors (client-fixable, 4xx)
	ErrCodeInvalidInput     ErrorCode = "VAL_1001"
	ErrCodeMissingParameter ErrorCode = "VAL_1002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_1003"
	ErrCodeOutOfRange       ErrorCode = "VAL_1004"

	// Resource errors
	ErrCodeNotFound      ErrorCode = "RES_2001"
	ErrCodeAlreadyExists ErrorCode = "RES_2002"
	ErrCodeConflict      ErrorCode = "RES_2003"
	ErrCodeForbidden     ErrorCode = "RES_2004"

	// Policy errors (decisions from the Policy Engine)
	ErrCodePolicyDenied ErrorCode = "POL_3001"

	// Sandbox / task execution errors (classified as task outcomes, not HTTP errors)
	ErrCodeSandboxTimeout    ErrorCode = "SBX_4001"
	ErrCodeWorkspaceOverflow ErrorCode = "SBX_4002"
	ErrCodeOutputOverflow    ErrorCode = "SBX_4003"
	ErrCodeParseError        ErrorCode = "SBX_4004"
	ErrCodeHashMismatch      ErrorCode = "SBX_4005"
	ErrCodeCancelled         ErrorCode = "SBX_4006"

	// Transient errors (retryable)
	ErrCodeTimeout           ErrorCode = "TRN_5001"
	ErrCodeUnavailable       ErrorCode = "TRN_5002"
	ErrCodeRateLimitExceeded ErrorCode = "TRN_5003"

	// Data integrity errors
	ErrCodeDataIntegrity ErrorCode = "DAT_6001"

	// Internal / fatal errors
	ErrCodeInternal      ErrorCode = "SVC_7001"
	ErrCodeDatabaseError ErrorCode = "SVC_7002"
	ErrCodeFatal         ErrorCode = "SVC_7003"
)

// ServiceError is a structured error with a stable code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func OutOfRange(field string, min, max interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("min", min).WithDetails("max", max)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Policy errors

func PolicyDenied(reasons ...string) *ServiceError {
	e := New(ErrCodePolicyDenied, "policy denied proposal", http.StatusForbidden)
	if len(reasons) > 0 {
		e.WithDetails("reasons", reasons)
	}
	return e
}

// Sandbox errors — these map to task-level outcome classifications (§7), callers should inspect
// Code rather than surface the HTTP status for task submission paths.

func SandboxTimeout() *ServiceError {
	return New(ErrCodeSandboxTimeout, "sandbox execution timed out", http.StatusOK)
}

func WorkspaceOverflow(limit int64) *ServiceError {
	return New(ErrCodeWorkspaceOverflow, "workspace size exceeded", http.StatusOK).
		WithDetails("limit_bytes", limit)
}

func OutputOverflow(limit int64) *ServiceError {
	return New(ErrCodeOutputOverflow, "output size exceeded", http.StatusOK).
		WithDetails("limit_bytes", limit)
}

func ParseError(err error) *ServiceError {
	return Wrap(ErrCodeParseError, "structured result was not valid", http.StatusOK, err)
}

func HashMismatch(expected, actual string) *ServiceError {
	return New(ErrCodeHashMismatch, "script hash mismatch", http.StatusOK).
		WithDetails("expected", expected).WithDetails("actual", actual)
}

func Cancelled() *ServiceError {
	return New(ErrCodeCancelled, "execution cancelled", http.StatusOK)
}

// Transient errors

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func Unavailable(operation string, err error) *ServiceError {
	return Wrap(ErrCodeUnavailable, "dependency unavailable", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("window", window)
}

// Data integrity / internal / fatal

func DataIntegrity(message string, err error) *ServiceError {
	return Wrap(ErrCodeDataIntegrity, message, http.StatusInternalServerError, err)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func Fatal(message string, err error) *ServiceError {
	return Wrap(ErrCodeFatal, message, http.StatusInternalServerError, err)
}

// Helpers

func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable machine-readable code carried in API error bodies.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeAddressInUse       ErrorCode = "ADDRESS_IN_USE"
)

// AppError is an error with a code, an HTTP status and optional details.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Response is the JSON body written for an AppError.
type Response struct {
	Error   ErrorCode              `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError with the same code, so callers can test
// errors.Is(err, &AppError{Code: ErrCodeAddressInUse}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithContext adds a detail rendered under "details".
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) Response() Response {
	resp := Response{Error: e.Code, Message: e.Message}
	if len(e.Context) > 0 {
		resp.Details = e.Context
	}
	return resp
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// WrapError attaches a code and status to err.
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// NewInvalidStateError reports an operation that is not allowed in the
// current state, such as pausing a stopped stream.
func NewInvalidStateError(cause error) *AppError {
	return WrapError(cause, ErrCodeInvalidState, cause.Error(), http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// NewInternalError hides cause from the client; it is still logged.
func NewInternalError(cause error) *AppError {
	return WrapError(cause, ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

// NewAddressInUseError reports that the listen address is already bound.
func NewAddressInUseError(addr string, cause error) *AppError {
	return WrapError(cause, ErrCodeAddressInUse, "address in use", http.StatusServiceUnavailable).
		WithContext("address", addr)
}

// GetAppError extracts an AppError from the error chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// AsAppError returns err as an AppError, turning anything else into an
// internal error.
func AsAppError(err error) *AppError {
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	return NewInternalError(err)
}

package generations

import (
	"errors"
	"fmt"
	"time"
)

// Caller-facing error codes.
const (
	CodeValidation      = "validation_error"
	CodeDuplicatePrompt = "duplicate_prompt"
	CodeRateLimit       = "rate_limit"
	CodeConfig          = "config_error"
	CodeProvider        = "provider_error"
	CodeDatabase        = "database_error"
	CodeNotFound        = "not_found"
	CodeInvalidState    = "invalid_state"
)

// ServiceError carries a caller-facing code and an operation.reason string for logs.
type ServiceError struct {
	code       string
	reason     string
	detail     string
	retryAfter time.Duration
	err        error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the caller-facing error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Detail returns the caller-safe description of a validation failure, if any.
func (e *ServiceError) Detail() string {
	return e.detail
}

// Reason returns operation.reason.
func (e *ServiceError) Reason() string {
	return e.reason
}

// RetryAfter returns the provider wait hint for rate-limit errors.
func (e *ServiceError) RetryAfter() time.Duration {
	return e.retryAfter
}

func newServiceError(code, operation, reason string, cause error) *ServiceError {
	return &ServiceError{code: code, reason: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// newValidationError reports invalid caller input; the cause text is shown to the caller.
func newValidationError(operation, reason string, cause error) *ServiceError {
	serviceErr := newServiceError(CodeValidation, operation, reason, cause)
	if cause != nil {
		serviceErr.detail = cause.Error()
	}
	return serviceErr
}

// CodeOf returns the caller-facing code of err, or CodeDatabase when err is not a ServiceError.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return CodeDatabase
}

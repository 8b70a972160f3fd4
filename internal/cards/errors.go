package cards

import (
	"errors"
	"fmt"
)

// Caller-facing error codes.
const (
	CodeValidation           = "validation_error"
	CodeGenerationIDRequired = "generation_id_required"
	CodeGenerationNotFound   = "generation_not_found"
	CodeDuplicateFront       = "duplicate_front"
	CodeNotFound             = "not_found"
	CodeDatabase             = "database_error"
)

// ServiceError carries a caller-facing code and an operation.reason string for logs.
type ServiceError struct {
	code   string
	reason string
	detail string
	err    error
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

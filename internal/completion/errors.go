package completion

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies completion failures for callers and audit logs.
type ErrorKind string

const (
	KindConfig        ErrorKind = "config_error"
	KindValidation    ErrorKind = "validation_error"
	KindRateLimit     ErrorKind = "rate_limit_error"
	KindRequest       ErrorKind = "request_error"
	KindResponseShape ErrorKind = "schema_error"
	KindNetwork       ErrorKind = "network_error"
	KindUnknown       ErrorKind = "unknown_error"
)

// ConfigError reports an invalid client configuration. It is never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "completion: configuration error: " + e.Message
}

// ValidationError reports caller-supplied input rejected before any network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "completion: invalid request: " + e.Message
}

// RateLimitError reports a 429 that persisted through every retry.
type RateLimitError struct {
	// RetryAfter is the provider's wait hint; zero when the provider sent none.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("completion: rate limited, retry after %s", e.RetryAfter)
	}
	return "completion: rate limited"
}

// RequestError reports a non-success HTTP response.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("completion: provider returned status %d", e.Status)
	}
	return fmt.Sprintf("completion: provider returned status %d: %s", e.Status, e.Body)
}

// ResponseShapeError reports a successful response whose payload is missing or malformed.
type ResponseShapeError struct {
	Message string
	Err     error
}

func (e *ResponseShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion: invalid response: %s: %v", e.Message, e.Err)
	}
	return "completion: invalid response: " + e.Message
}

func (e *ResponseShapeError) Unwrap() error {
	return e.Err
}

// NetworkError reports a transport failure or timeout with no HTTP response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("completion: network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// KindOf classifies err into one of the completion error kinds.
func KindOf(err error) ErrorKind {
	var (
		configErr     *ConfigError
		validationErr *ValidationError
		rateLimitErr  *RateLimitError
		requestErr    *RequestError
		shapeErr      *ResponseShapeError
		networkErr    *NetworkError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &configErr):
		return KindConfig
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &rateLimitErr):
		return KindRateLimit
	case errors.As(err, &requestErr):
		return KindRequest
	case errors.As(err, &shapeErr):
		return KindResponseShape
	case errors.As(err, &networkErr):
		return KindNetwork
	default:
		return KindUnknown
	}
}

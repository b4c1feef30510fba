package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the cart error taxonomy.
// Use errors.Is() to check against these.
var (
	ErrUnresolvableIdentity = errors.New("unresolvable identity")
	ErrNotFound             = errors.New("not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNetwork              = errors.New("network error")
	ErrServer               = errors.New("server error")
	ErrRateLimited          = errors.New("rate limited")
	ErrPartialMerge         = errors.New("partial merge failure")
	ErrNotConfirmed         = errors.New("applied locally, not confirmed remotely")
)

// APIError represents a structured error for API responses.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"` // HTTP status, not serialized
	Err        error  `json:"-"` // Wrapped error, not serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewUnresolvableIdentityError reports a product/variant pair that has no identity key.
// Raised before any network call is attempted.
func NewUnresolvableIdentityError(productID, reason string) *APIError {
	msg := reason
	if productID != "" {
		msg = fmt.Sprintf("product %s: %s", productID, reason)
	}
	return &APIError{
		Code:       "UNRESOLVABLE_IDENTITY",
		Message:    msg,
		StatusCode: 422,
		Err:        ErrUnresolvableIdentity,
	}
}

// NewNotFoundError creates a 404 error for missing resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
		Err:        ErrNotFound,
	}
}

// NewValidationError creates a 400 error for invalid input.
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		StatusCode: 400,
		Err:        ErrInvalidRequest,
	}
}

// NewUnauthorizedError creates a 401 error for missing or expired sessions.
func NewUnauthorizedError(reason string) *APIError {
	return &APIError{
		Code:       "UNAUTHORIZED",
		Message:    reason,
		StatusCode: 401,
		Err:        ErrUnauthorized,
	}
}

// NewNetworkError creates a 502 error for transport failures (dial, TLS, timeout, open breaker).
func NewNetworkError(service string, err error) *APIError {
	return &APIError{
		Code:       "NETWORK_ERROR",
		Message:    fmt.Sprintf("%s unreachable", service),
		StatusCode: 502,
		Err:        fmt.Errorf("%w: %v", ErrNetwork, err),
	}
}

// NewServerError creates a 502 error for backend responses with a 5xx status.
func NewServerError(service string, status int, detail string) *APIError {
	return &APIError{
		Code:       "SERVER_ERROR",
		Message:    fmt.Sprintf("%s request failed", service),
		StatusCode: 502,
		Err:        fmt.Errorf("%w: status %d: %s", ErrServer, status, detail),
	}
}

// NewRateLimitError creates a 429 error for rate limiting.
func NewRateLimitError(service string) *APIError {
	return &APIError{
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("%s rate limit exceeded, please retry later", service),
		StatusCode: 429,
		Err:        ErrRateLimited,
	}
}

// NewInternalError creates a 500 error for unexpected failures.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "an internal error occurred",
		StatusCode: 500,
		Err:        err,
	}
}

// ItemFailure records one line item that could not be written remotely.
type ItemFailure struct {
	Key Key   `json:"key"`
	Err error `json:"-"`
}

// PartialMergeError is returned when some, but not necessarily all,
// remote writes of a login-time merge failed. The merge itself completed.
type PartialMergeError struct {
	Failed []ItemFailure
}

func (e *PartialMergeError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Key, f.Err))
	}
	return fmt.Sprintf("%v: %d item(s) failed [%s]", ErrPartialMerge, len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes ErrPartialMerge and every per-item cause to errors.Is/As.
func (e *PartialMergeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, ErrPartialMerge)
	for _, f := range e.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// NotConfirmedError marks a mutation that was applied to the local cart
// but rejected or lost by the remote cart. The local change is kept.
type NotConfirmedError struct {
	Op  string
	Key Key
	Err error
}

func (e *NotConfirmedError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("%s: %v: %v", e.Op, ErrNotConfirmed, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, ErrNotConfirmed, e.Err)
}

func (e *NotConfirmedError) Unwrap() []error {
	return []error{ErrNotConfirmed, e.Err}
}

// StatusCode returns the HTTP status carried by the first APIError in err's chain,
// or 500 when there is none.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 500
}

package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want string
	}{
		{
			name: "without wrapped error",
			err: &APIError{
				Code:    "TEST_ERROR",
				Message: "something went wrong",
			},
			want: "TEST_ERROR: something went wrong",
		},
		{
			name: "with wrapped error",
			err: &APIError{
				Code:    "TEST_ERROR",
				Message: "something went wrong",
				Err:     errors.New("underlying cause"),
			},
			want: "TEST_ERROR: something went wrong (underlying cause)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestErrorsIs verifies that errors.Is() works with every constructor's sentinel.
// Handlers rely on this to pick response codes.
func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		sentinel   error
		wantStatus int
	}{
		{"UnresolvableIdentity", NewUnresolvableIdentityError("P1", "no variant"), ErrUnresolvableIdentity, 422},
		{"NotFound", NewNotFoundError("cart item"), ErrNotFound, 404},
		{"Validation", NewValidationError("quantity", "must be positive"), ErrInvalidRequest, 400},
		{"Unauthorized", NewUnauthorizedError("session expired"), ErrUnauthorized, 401},
		{"Network", NewNetworkError("backend", errors.New("dial tcp: refused")), ErrNetwork, 502},
		{"Server", NewServerError("backend", 503, "unavailable"), ErrServer, 502},
		{"RateLimit", NewRateLimitError("backend"), ErrRateLimited, 429},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%T, %v) = false, want true", tt.err, tt.sentinel)
			}
			if tt.err.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", tt.err.StatusCode, tt.wantStatus)
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if got := StatusCode(wrapped); got != tt.wantStatus {
				t.Errorf("StatusCode(wrapped) = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestStatusCode_NonAPIError(t *testing.T) {
	if got := StatusCode(errors.New("boom")); got != 500 {
		t.Errorf("StatusCode = %d, want 500", got)
	}
}

func TestPartialMergeError(t *testing.T) {
	netErr := NewNetworkError("backend", errors.New("timeout"))
	err := &PartialMergeError{
		Failed: []ItemFailure{
			{Key: Key{ProductID: "P1", VariantID: "500g"}, Err: netErr},
			{Key: Key{ProductID: "P2", VariantID: "1kg"}, Err: NewServerError("backend", 500, "oops")},
		},
	}

	if !errors.Is(err, ErrPartialMerge) {
		t.Error("should match ErrPartialMerge")
	}
	if !errors.Is(err, ErrNetwork) {
		t.Error("should expose per-item causes")
	}
	if !errors.Is(err, ErrServer) {
		t.Error("should expose every per-item cause")
	}
	if !strings.Contains(err.Error(), "2 item(s) failed") {
		t.Errorf("Error() = %q, want failure count", err.Error())
	}
	if !strings.Contains(err.Error(), "P1:500g") {
		t.Errorf("Error() = %q, want failing key", err.Error())
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Error("errors.As should find the first *APIError cause")
	}
}

func TestNotConfirmedError(t *testing.T) {
	cause := NewUnauthorizedError("session expired")
	err := &NotConfirmedError{Op: "add", Key: Key{ProductID: "P1", VariantID: "500g"}, Err: cause}

	if !errors.Is(err, ErrNotConfirmed) {
		t.Error("should match ErrNotConfirmed")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Error("should match the cause")
	}
	if got := StatusCode(err); got != 401 {
		t.Errorf("StatusCode = %d, want 401", got)
	}
	if !strings.Contains(err.Error(), "add P1:500g") {
		t.Errorf("Error() = %q", err.Error())
	}

	clear := &NotConfirmedError{Op: "clear", Err: cause}
	if strings.Contains(clear.Error(), ":  ") {
		t.Errorf("Error() for keyless op = %q", clear.Error())
	}
}

package core

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "owner is required",
	}

	expected := "invalid_request_error: owner is required"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrOverloaded,
		Message: "gateway is draining",
		Code:    "draining",
	}

	expected := "overloaded_error: gateway is draining (code: draining)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequestErrorWithParam(t *testing.T) {
	err := NewInvalidRequestErrorWithParam("missing parameter", "repo")
	if err.Type != ErrInvalidRequest {
		t.Errorf("Type = %v, want %v", err.Type, ErrInvalidRequest)
	}
	if err.Param != "repo" {
		t.Errorf("Param = %q, want repo", err.Param)
	}
}

func TestNewUpstreamError(t *testing.T) {
	err := NewUpstreamError("github", errors.New("bad gateway"))
	if err.Type != ErrUpstream {
		t.Errorf("Type = %v, want %v", err.Type, ErrUpstream)
	}
	if err.Message != "github: bad gateway" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Upstream != "bad gateway" {
		t.Errorf("Upstream = %v", err.Upstream)
	}
}

func TestError_IsRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{ErrInvalidRequest, false},
		{ErrAuthentication, false},
		{ErrPermission, false},
		{ErrNotFound, false},
		{ErrRateLimit, true},
		{ErrAPI, true},
		{ErrOverloaded, true},
		{ErrUpstream, true},
	}

	for _, tt := range tests {
		err := &Error{Type: tt.errType}
		if err.IsRetryable() != tt.retryable {
			t.Errorf("IsRetryable() for %v = %v, want %v", tt.errType, err.IsRetryable(), tt.retryable)
		}
	}
}

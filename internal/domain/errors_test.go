package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("auth", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		status    int
		retriable bool
	}{
		{400, false},
		{404, false},
		{429, true},
		{500, false},
		{503, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := &APIError{Status: tt.status, Verb: "POST", Path: "/order", Message: "boom"}
			if err.IsRetriable() != tt.retriable {
				t.Errorf("IsRetriable() = %v, want %v", err.IsRetriable(), tt.retriable)
			}

			wrapped := fmt.Errorf("place order: %w", err)
			if !IsAPIStatus(wrapped, tt.status) {
				t.Error("IsAPIStatus should see through wrapping")
			}
			if IsRetriable(wrapped) != tt.retriable {
				t.Error("IsRetriable should see through wrapping")
			}
		})
	}

	err := &APIError{Status: 500, Verb: "GET", Path: "/order", Body: "raw body"}
	if err.Error() != "GET /order: status 500: raw body" {
		t.Errorf("Error message = %q", err.Error())
	}
}

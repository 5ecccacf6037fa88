package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	err := ErrAuth("invalid API key")
	want := "[auth] AUTH_FAILED: invalid API key"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := ErrTransient(CodeRunnerCrashed, "process exited").WithCause(errors.New("signal: killed"))
	if wrapped.Error() != "[transient] RUNNER_CRASHED: process exited (signal: killed)" {
		t.Errorf("unexpected wrapped message: %q", wrapped.Error())
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := ErrCollaborator("notifier", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if GetCategory(err) != ErrCatCollaborator {
		t.Errorf("expected collaborator category, got %s", GetCategory(err))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"auth never retried", ErrAuth("bad key"), false},
		{"rate limit retryable", ErrRateLimit("429"), true},
		{"transient retryable", ErrTransient(CodeRunnerCrashed, "crash"), true},
		{"protocol not retryable", ErrProtocol("HANDOFF_MISSING_NEXT", "no next"), false},
		{"plain error not retryable", errors.New("plain"), false},
		{"wrapped transient", fmt.Errorf("step failed: %w", ErrTransient("X", "y")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsCategory(t *testing.T) {
	if !IsCategory(ErrRateLimit("slow down"), ErrCatRateLimit) {
		t.Error("rate limit error should match rate_limit category")
	}
	if IsCategory(errors.New("plain"), ErrCatRateLimit) {
		t.Error("plain error should not match rate_limit")
	}
	if !IsCategory(errors.New("plain"), ErrCatInternal) {
		t.Error("plain error should default to internal")
	}
}

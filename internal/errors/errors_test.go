package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestHarvestError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *HarvestError
		wantMsg string
	}{
		{
			name:    "without cause",
			err:     New(ExitGeneralError, "something went wrong"),
			wantMsg: "something went wrong",
		},
		{
			name:    "with cause",
			err:     Wrap(ExitGeneralError, "operation failed", fmt.Errorf("underlying error")),
			wantMsg: "operation failed: underlying error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestHarvestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ExitGeneralError, "wrapped", cause)

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	errNoCause := New(ExitGeneralError, "no cause")
	if unwrapped := errNoCause.Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() = %v, want nil", unwrapped)
	}
}

func TestConstructorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *HarvestError
		code int
	}{
		{"session not found", SessionNotFound("s1"), ExitSessionNotFound},
		{"session terminated", SessionTerminated("s1"), ExitSessionNotFound},
		{"provider unavailable", ProviderUnavailable("create", fmt.Errorf("boom")), ExitProviderUnavailable},
		{"clone failed", RepoCloneFailed("owner/repo", fmt.Errorf("boom")), ExitRepoCloneFailed},
		{"rebase conflict", RebaseConflict("refs/harvest/checkpoint/1", fmt.Errorf("boom")), ExitGitConflict},
		{"push conflict", PushConflict("refs/harvest/checkpoint/1", 3), ExitGitConflict},
		{"auth expired", AuthExpired("github", fmt.Errorf("401")), ExitAuthExpired},
		{"resource exhausted", ResourceExhausted("disk full"), ExitResourceExhausted},
		{"config", ConfigError("bad config", nil), ExitConfigError},
		{"prebuild", PrebuildFailed(1, 3), ExitPrebuildFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.ExitCode() != tt.code {
				t.Errorf("ExitCode() = %d, want %d", tt.err.ExitCode(), tt.code)
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	if got := GetExitCode(SessionNotFound("x")); got != ExitSessionNotFound {
		t.Errorf("GetExitCode() = %d, want %d", got, ExitSessionNotFound)
	}

	// Wrapped deeper in a chain
	wrapped := fmt.Errorf("outer: %w", ProviderUnavailable("exec", fmt.Errorf("inner")))
	if got := GetExitCode(wrapped); got != ExitProviderUnavailable {
		t.Errorf("GetExitCode(wrapped) = %d, want %d", got, ExitProviderUnavailable)
	}

	// Plain error falls back to general
	if got := GetExitCode(errors.New("plain")); got != ExitGeneralError {
		t.Errorf("GetExitCode(plain) = %d, want %d", got, ExitGeneralError)
	}
}

func TestIsGitConflict(t *testing.T) {
	if !IsGitConflict(PushConflict("refs/harvest/checkpoint/1", 3)) {
		t.Error("PushConflict should be a git conflict")
	}
	if !IsGitConflict(fmt.Errorf("wrapped: %w", RebaseConflict("refs/harvest/checkpoint/2", nil))) {
		t.Error("wrapped RebaseConflict should be a git conflict")
	}
	if IsGitConflict(SessionNotFound("x")) {
		t.Error("SessionNotFound should not be a git conflict")
	}
}

package errors

import (
	"errors"
	"fmt"
)

// Exit codes for harvest-ctl
const (
	ExitSuccess             = 0
	ExitGeneralError        = 1
	ExitSessionNotFound     = 2
	ExitProviderUnavailable = 3
	ExitRepoCloneFailed     = 4
	ExitGitConflict         = 5
	ExitConfigError         = 6
	ExitAuthExpired         = 7
	ExitResourceExhausted   = 8
	ExitPrebuildFailed      = 9
)

// HarvestError is the base error type for harvest-ctl
type HarvestError struct {
	Code    int
	Message string
	Cause   error
}

func (e *HarvestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *HarvestError) Unwrap() error {
	return e.Cause
}

// ExitCode returns the exit code for this error
func (e *HarvestError) ExitCode() int {
	return e.Code
}

// New creates a new HarvestError
func New(code int, message string) *HarvestError {
	return &HarvestError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a HarvestError
func Wrap(code int, message string, cause error) *HarvestError {
	return &HarvestError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Common error constructors

// SessionNotFound returns an error for an unknown session id
func SessionNotFound(id string) *HarvestError {
	return New(ExitSessionNotFound, fmt.Sprintf("session not found: %s", id))
}

// SessionTerminated returns an error for operations on a terminated session
func SessionTerminated(id string) *HarvestError {
	return New(ExitSessionNotFound, fmt.Sprintf("session %s is terminated", id))
}

// ProviderUnavailable returns an error when sandbox allocation or exec
// keeps failing past the retry bound
func ProviderUnavailable(op string, cause error) *HarvestError {
	return Wrap(ExitProviderUnavailable, fmt.Sprintf("sandbox provider %s failed", op), cause)
}

// RepoCloneFailed returns an error for a failed repository clone
func RepoCloneFailed(repo string, cause error) *HarvestError {
	return Wrap(ExitRepoCloneFailed, fmt.Sprintf("failed to clone %s", repo), cause)
}

// RebaseConflict returns an error for a rebase that hit conflicts.
// The checkpoint ref protecting the pre-rebase state is named so the
// caller can surface it for manual recovery.
func RebaseConflict(checkpoint string, cause error) *HarvestError {
	return Wrap(ExitGitConflict, fmt.Sprintf("rebase conflict (checkpoint %s preserved)", checkpoint), cause)
}

// PushConflict returns an error when the remote kept moving past the
// push retry bound
func PushConflict(checkpoint string, attempts int) *HarvestError {
	return New(ExitGitConflict, fmt.Sprintf("push rejected after %d attempts (checkpoint %s preserved)", attempts, checkpoint))
}

// AuthExpired returns a fatal error for rejected credentials
func AuthExpired(target string, cause error) *HarvestError {
	return Wrap(ExitAuthExpired, fmt.Sprintf("credentials rejected by %s", target), cause)
}

// ResourceExhausted returns a fatal error for disk/memory exhaustion
// signaled by the provider
func ResourceExhausted(detail string) *HarvestError {
	return New(ExitResourceExhausted, fmt.Sprintf("sandbox resources exhausted: %s", detail))
}

// ConfigError returns an error for configuration issues
func ConfigError(message string, cause error) *HarvestError {
	return Wrap(ExitConfigError, message, cause)
}

// ValidationError returns an error for input validation failures
func ValidationError(message string) *HarvestError {
	return New(ExitGeneralError, message)
}

// PrebuildFailed returns an error summarizing a prebuild cycle with at
// least one failed repository. It carries the scheduler's alert exit code.
func PrebuildFailed(failed, total int) *HarvestError {
	return New(ExitPrebuildFailed, fmt.Sprintf("prebuild cycle: %d of %d repositories failed", failed, total))
}

// GetExitCode extracts the exit code from an error
func GetExitCode(err error) int {
	var harvestErr *HarvestError
	if errors.As(err, &harvestErr) {
		return harvestErr.ExitCode()
	}
	return ExitGeneralError
}

// IsGitConflict reports whether err is a rebase or push conflict
func IsGitConflict(err error) bool {
	var harvestErr *HarvestError
	return errors.As(err, &harvestErr) && harvestErr.Code == ExitGitConflict
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

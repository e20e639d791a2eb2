// Package errors provides typed errors with exit codes for harvest-ctl.
//
// # Error Types
//
// HarvestError is the base error type that wraps an error with an exit code:
//
//	type HarvestError struct {
//	    Code    int    // Exit code
//	    Message string // User-facing message
//	    Cause   error  // Wrapped error
//	}
//
// # Exit Codes
//
// Defined exit codes for different error categories:
//
//	ExitSuccess             = 0  // Success
//	ExitGeneralError        = 1  // General/unknown errors
//	ExitSessionNotFound     = 2  // Session does not exist
//	ExitProviderUnavailable = 3  // Sandbox allocation/exec failed
//	ExitRepoCloneFailed     = 4  // Repository clone failed
//	ExitGitConflict         = 5  // Rebase or push conflict
//	ExitConfigError         = 6  // Configuration error
//	ExitAuthExpired         = 7  // Credentials rejected
//	ExitResourceExhausted   = 8  // Disk/memory exhausted
//	ExitPrebuildFailed      = 9  // Prebuild cycle had failures
//
// # Error Constructors
//
// Use the provided constructors for consistent error creation:
//
//	errors.SessionNotFound("abc123")
//	errors.ProviderUnavailable("create", err)
//	errors.RebaseConflict("refs/harvest/checkpoint/17000", err)
//	errors.AuthExpired("git remote", err)
//
// # Extracting Exit Codes
//
// Use GetExitCode to extract the exit code from an error chain:
//
//	if err != nil {
//	    os.Exit(errors.GetExitCode(err))
//	}
package errors

// Package logging provides logging utilities for harvest-ctl.
//
// Two categories of output are kept separate so that agent output
// streamed to stdout can be piped cleanly:
//
//   - Structured debug logging via slog, controlled by --verbose and
//     --json, written to stderr by default.
//   - User-facing status messages with indicator prefixes.
//
// # Structured Logging
//
//	logging.Debug("creating sandbox", "session", id, "image", image)
//	logging.Warn("push rejected", "branch", branch, "attempt", attempt)
//
// Long-lived components attach their identity once:
//
//	log := logging.With("session", id, "repo", repo)
//	log.Info("sync complete", "pushed", result.Pushed)
//
// # User Output
//
//	logging.UserInfo("Cloning %s/%s...", owner, name)     // ℹ, stdout
//	logging.UserSuccess("Session %s created", id)         // ✓, stdout
//	logging.UserWarning("Prebuild failed for %s", repo)   // ⚠, stderr
//	logging.UserError("Failed to create session: %v", err) // ✗, stderr
package logging

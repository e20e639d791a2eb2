// Package provider defines the sandbox provider contract for harvest-ctl.
// A provider allocates isolated, ephemeral compute units, executes commands
// in them, attaches long-running interactive processes, and destroys them.
// The abstraction allows multiple backends (docker, podman) and enables
// comprehensive testing through mocking.
package provider

import (
	"context"
	"io"
	"time"
)

// Handle is an opaque reference to a provider-allocated sandbox.
// A Handle is exclusively owned by one session and released exactly once.
type Handle struct {
	// ID is the provider's identifier for the sandbox.
	ID string

	// Image is the image the sandbox was created from.
	Image string

	// WorkDir is the default working directory inside the sandbox.
	WorkDir string
}

// CreateOptions holds options for allocating a sandbox.
type CreateOptions struct {
	Name    string            // sandbox name, unique per provider
	Image   string            // image to instantiate
	Env     map[string]string // environment variables
	Mounts  map[string]string // host path -> sandbox path
	WorkDir string            // default working directory
}

// ExecOptions holds options for executing a command in a sandbox.
type ExecOptions struct {
	WorkDir string        // working directory, defaults to the handle's
	Env     []string      // extra environment variables
	Stdin   io.Reader     // standard input
	Timeout time.Duration // per-command timeout; zero means none
}

// ExecResult holds the result of executing a command in a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0
}

// Process is a long-running interactive process inside a sandbox. The
// caller writes one prompt at a time and reads an unbounded output stream.
type Process interface {
	// Send writes one prompt to the process's input stream.
	Send(text string) error

	// Output returns the process's combined output stream.
	Output() io.Reader

	// Interrupt sends an interrupt signal to the process.
	Interrupt() error

	// Close releases the process's input/output channels.
	Close() error
}

// Provider is the interface sandbox backends must implement.
// All methods must be safe for concurrent use by multiple sessions.
type Provider interface {
	// Name returns the provider identifier (e.g. "docker").
	Name() string

	// Create allocates a new sandbox.
	Create(ctx context.Context, opts CreateOptions) (*Handle, error)

	// Exec runs a command to completion inside a sandbox.
	Exec(ctx context.Context, h *Handle, argv []string, opts ExecOptions) (*ExecResult, error)

	// Start attaches a long-running interactive process.
	Start(ctx context.Context, h *Handle, argv []string, opts ExecOptions) (Process, error)

	// Snapshot publishes the sandbox's current filesystem as an image.
	Snapshot(ctx context.Context, h *Handle, image string) error

	// HasImage reports whether an image is available to Create.
	HasImage(ctx context.Context, image string) (bool, error)

	// List returns handles for the provider's live sandboxes.
	List(ctx context.Context) ([]*Handle, error)

	// Destroy releases a sandbox. Destroying an already-released sandbox
	// is not an error.
	Destroy(ctx context.Context, h *Handle) error
}

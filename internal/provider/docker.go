package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/harvest-engineering/harvest-executor/internal/logging"
)

// DockerProvider implements Provider using Docker or Podman.
// It auto-detects which container engine is available.
type DockerProvider struct {
	// Command is the container command to use (docker or podman)
	Command string

	// NamePrefix is prepended to sandbox names to form container names
	NamePrefix string
}

// NewDockerProvider creates a Docker/Podman provider, auto-detecting
// which command is available.
func NewDockerProvider(namePrefix string) (*DockerProvider, error) {
	// Try podman first (preferred for rootless)
	if _, err := exec.LookPath("podman"); err == nil {
		return &DockerProvider{Command: "podman", NamePrefix: namePrefix}, nil
	}

	if _, err := exec.LookPath("docker"); err == nil {
		return &DockerProvider{Command: "docker", NamePrefix: namePrefix}, nil
	}

	return nil, fmt.Errorf("neither podman nor docker found in PATH")
}

// Name returns the provider identifier
func (p *DockerProvider) Name() string {
	return p.Command
}

func (p *DockerProvider) containerName(name string) string {
	return p.NamePrefix + name
}

// runCmd executes a docker/podman command
func (p *DockerProvider) runCmd(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %s: %w", p.Command, args[0], stderr.String(), err)
	}

	return stdout.String(), nil
}

// Create allocates a container running an idle keepalive process.
func (p *DockerProvider) Create(ctx context.Context, opts CreateOptions) (*Handle, error) {
	containerName := p.containerName(opts.Name)
	logging.Debug("creating sandbox", "name", containerName, "image", opts.Image, "provider", p.Command)

	args := []string{"run", "-d", "--name", containerName}

	for key, value := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}

	for hostPath, sandboxPath := range opts.Mounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s", hostPath, sandboxPath))
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	args = append(args, opts.Image, "sleep", "infinity")

	if _, err := p.runCmd(ctx, args...); err != nil {
		return nil, err
	}

	return &Handle{ID: containerName, Image: opts.Image, WorkDir: opts.WorkDir}, nil
}

// Exec runs a command to completion inside a container
func (p *DockerProvider) Exec(ctx context.Context, h *Handle, argv []string, opts ExecOptions) (*ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"exec"}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = h.WorkDir
	}
	if workDir != "" {
		args = append(args, "-w", workDir)
	}

	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}

	args = append(args, h.ID)
	args = append(args, argv...)

	logging.Debug("exec in sandbox", "sandbox", h.ID, "command", shellquote.Join(argv...))

	cmd := exec.CommandContext(ctx, p.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	err := cmd.Run()

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("%s exec failed: %w", p.Command, err)
	}

	return result, nil
}

// Start attaches a long-running interactive process to the container.
func (p *DockerProvider) Start(ctx context.Context, h *Handle, argv []string, opts ExecOptions) (Process, error) {
	args := []string{"exec", "-i"}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = h.WorkDir
	}
	if workDir != "" {
		args = append(args, "-w", workDir)
	}

	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}

	args = append(args, h.ID)
	args = append(args, argv...)

	logging.Debug("starting interactive process", "sandbox", h.ID, "command", shellquote.Join(argv...))

	cmd := exec.CommandContext(ctx, p.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &dockerProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// dockerProcess wraps the docker-exec client process.
type dockerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	mu     sync.Mutex
	closed bool
}

func (p *dockerProcess) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("process closed")
	}
	_, err := io.WriteString(p.stdin, text+"\n")
	return err
}

func (p *dockerProcess) Output() io.Reader {
	return p.stdout
}

func (p *dockerProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGINT)
}

func (p *dockerProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}

// Snapshot commits the container filesystem as an image.
func (p *DockerProvider) Snapshot(ctx context.Context, h *Handle, image string) error {
	logging.Debug("snapshotting sandbox", "sandbox", h.ID, "image", image)
	_, err := p.runCmd(ctx, "commit", h.ID, image)
	return err
}

// HasImage reports whether an image is available locally.
func (p *DockerProvider) HasImage(ctx context.Context, image string) (bool, error) {
	_, err := p.runCmd(ctx, "image", "inspect", image)
	if err != nil {
		// Inspect fails for unknown images; treat as absent.
		return false, nil
	}
	return true, nil
}

// List returns the live containers carrying this provider's name prefix.
func (p *DockerProvider) List(ctx context.Context) ([]*Handle, error) {
	out, err := p.runCmd(ctx, "ps",
		"--filter", "name="+p.NamePrefix,
		"--format", "{{.Names}}\t{{.Image}}")
	if err != nil {
		return nil, err
	}

	var handles []*Handle
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		name, image, _ := strings.Cut(line, "\t")
		handles = append(handles, &Handle{ID: name, Image: image})
	}
	return handles, nil
}

// Destroy stops and removes a container
func (p *DockerProvider) Destroy(ctx context.Context, h *Handle) error {
	logging.Debug("destroying sandbox", "sandbox", h.ID)

	// Stop first (ignore errors if already stopped)
	_, _ = p.runCmd(ctx, "stop", h.ID)

	_, err := p.runCmd(ctx, "rm", "-f", h.ID)
	if err != nil {
		if strings.Contains(err.Error(), "No such container") ||
			strings.Contains(err.Error(), "no such container") {
			return nil
		}
	}

	return err
}

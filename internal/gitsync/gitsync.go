// Package gitsync implements the Safe-Carry-Forward protocol: the
// non-destructive snapshot/fetch/checkpoint/rebase/squash/push sequence
// that reconciles a sandbox working copy with its remote branch. It
// never stashes, never pulls with merge, and never force-pushes
// unconditionally. A checkpoint ref protects the pre-operation state and
// is deleted only after a successful push of everything it protected.
package gitsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harvest-engineering/harvest-executor/internal/errors"
	"github.com/harvest-engineering/harvest-executor/internal/logging"
)

// ExecResult is the outcome of one git command in the sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Execer runs one command inside the sandbox working copy. The protocol
// is stateless; all sandbox interaction flows through this function.
type Execer func(ctx context.Context, argv ...string) (*ExecResult, error)

// checkpointPrefix namespaces the disposable refs this package creates.
const checkpointPrefix = "refs/harvest/checkpoint/"

// snapshotSubject marks disposable snapshot commits so the squash step
// can tell them apart from logical commits.
const snapshotSubject = "harvest: snapshot"

// squashedSubject is the commit message used for collapsed snapshots.
const squashedSubject = "harvest: session work"

// Options configures one Sync invocation.
type Options struct {
	// Branch is the remote branch being reconciled.
	Branch string

	// MaxAttempts bounds the fetch/rebase/push retry loop when the
	// remote keeps moving.
	MaxAttempts int
}

// Result reports what Sync did. On failure Checkpoint names the ref
// left behind for manual recovery.
type Result struct {
	Pushed            bool
	Checkpoint        string
	SnapshotTaken     bool
	SquashedSnapshots int
	Attempts          int
}

// Sync runs the Safe-Carry-Forward sequence.
func Sync(ctx context.Context, run Execer, opts Options) (*Result, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	res := &Result{}

	// Snapshot: commit uncommitted work. Never a stash; a commit cannot
	// silently drop work.
	status, err := git(ctx, run, "status", "--porcelain")
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(status.Stdout) != "" {
		if _, err := git(ctx, run, "add", "-A"); err != nil {
			return res, err
		}
		msg := fmt.Sprintf("%s %s", snapshotSubject, time.Now().UTC().Format(time.RFC3339))
		if _, err := git(ctx, run, "commit", "--no-verify", "-m", msg); err != nil {
			return res, err
		}
		res.SnapshotTaken = true
		logging.Debug("snapshot commit created", "branch", opts.Branch)
	}

	checkpoint := fmt.Sprintf("%s%d", checkpointPrefix, time.Now().UnixNano())

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		res.Attempts = attempt

		fetch, err := git(ctx, run, "fetch", "origin", opts.Branch)
		if err != nil {
			return res, err
		}
		if fetch.ExitCode != 0 {
			if isAuthFailure(fetch.Stderr) {
				return res, errors.AuthExpired("git remote", execError("fetch", fetch))
			}
			return res, execError("fetch", fetch)
		}

		// Checkpoint the local tip before any history rewriting. Created
		// once; retries rebase from the same protected state.
		if res.Checkpoint == "" {
			if _, err := git(ctx, run, "update-ref", checkpoint, "HEAD"); err != nil {
				return res, err
			}
			res.Checkpoint = checkpoint
			logging.Debug("checkpoint created", "ref", checkpoint)
		}

		rebase, err := git(ctx, run, "rebase", "origin/"+opts.Branch)
		if err != nil {
			return res, err
		}
		if rebase.ExitCode != 0 {
			_, _ = git(ctx, run, "rebase", "--abort")
			return res, errors.RebaseConflict(checkpoint, execError("rebase", rebase))
		}

		squashed, err := squashSnapshots(ctx, run, opts.Branch)
		if err != nil {
			return res, err
		}
		res.SquashedSnapshots = squashed

		push, err := git(ctx, run, "push", "--force-with-lease", "origin", opts.Branch)
		if err != nil {
			return res, err
		}
		if push.ExitCode == 0 {
			if _, err := git(ctx, run, "update-ref", "-d", checkpoint); err != nil {
				logging.Warn("checkpoint cleanup failed", "ref", checkpoint, "error", err)
			} else {
				res.Checkpoint = ""
			}
			res.Pushed = true
			return res, nil
		}

		if isAuthFailure(push.Stderr) {
			return res, errors.AuthExpired("git remote", execError("push", push))
		}
		if !isLeaseRejection(push.Stderr) {
			return res, execError("push", push)
		}
		logging.Warn("push rejected, remote moved", "branch", opts.Branch, "attempt", attempt)
	}

	return res, errors.PushConflict(checkpoint, opts.MaxAttempts)
}

// squashSnapshots collapses the trailing run of snapshot commits ahead
// of the remote branch into one commit. Logical commits authored outside
// the snapshot mechanism are preserved untouched.
func squashSnapshots(ctx context.Context, run Execer, branch string) (int, error) {
	ahead, err := git(ctx, run, "rev-list", "--reverse", "origin/"+branch+"..HEAD")
	if err != nil {
		return 0, err
	}
	shas := splitLines(ahead.Stdout)
	if len(shas) == 0 {
		return 0, nil
	}

	// Walk back from the tip counting consecutive snapshot commits.
	trailing := 0
	for i := len(shas) - 1; i >= 0; i-- {
		subject, err := git(ctx, run, "log", "-1", "--format=%s", shas[i])
		if err != nil {
			return 0, err
		}
		if !strings.HasPrefix(strings.TrimSpace(subject.Stdout), snapshotSubject) {
			break
		}
		trailing++
	}
	if trailing == 0 {
		return 0, nil
	}

	base := "origin/" + branch
	if trailing < len(shas) {
		base = shas[len(shas)-trailing-1]
	}

	if _, err := git(ctx, run, "reset", "--soft", base); err != nil {
		return 0, err
	}
	if _, err := git(ctx, run, "commit", "--no-verify", "-m", squashedSubject); err != nil {
		return 0, err
	}

	logging.Debug("snapshots squashed", "count", trailing)
	return trailing, nil
}

// git runs one git command, distinguishing transport errors (err) from
// git's own exit codes (returned in the result).
func git(ctx context.Context, run Execer, args ...string) (*ExecResult, error) {
	argv := append([]string{"git"}, args...)
	res, err := run(ctx, argv...)
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	// Steps that tolerate non-zero exits inspect the result themselves;
	// everything else treats non-zero as a hard error.
	switch args[0] {
	case "fetch", "rebase", "push":
		return res, nil
	default:
		if res.ExitCode != 0 {
			return res, execError(args[0], res)
		}
		return res, nil
	}
}

func execError(op string, res *ExecResult) error {
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("git %s failed (exit %d): %s", op, res.ExitCode, detail)
}

func isAuthFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "authentication failed") ||
		strings.Contains(s, "could not read username") ||
		strings.Contains(s, "invalid credentials") ||
		strings.Contains(s, "401")
}

func isLeaseRejection(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "stale info") ||
		strings.Contains(s, "fetch first") ||
		strings.Contains(s, "non-fast-forward") ||
		strings.Contains(s, "[rejected]")
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

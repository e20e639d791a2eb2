package gitsync

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/harvest-engineering/harvest-executor/internal/errors"
)

// fakeGit is a scripted Execer. Responses are keyed by command-line
// prefix and consumed in order; unmatched commands succeed silently.
type fakeGit struct {
	mu        sync.Mutex
	calls     []string
	responses map[string][]*ExecResult
}

func newFakeGit() *fakeGit {
	return &fakeGit{responses: make(map[string][]*ExecResult)}
}

func (f *fakeGit) on(prefix string, results ...*ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = append(f.responses[prefix], results...)
}

func (f *fakeGit) run(ctx context.Context, argv ...string) (*ExecResult, error) {
	key := strings.Join(argv, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)

	best := ""
	for prefix, queue := range f.responses {
		if strings.HasPrefix(key, prefix) && len(queue) > 0 && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		res := f.responses[best][0]
		f.responses[best] = f.responses[best][1:]
		return res, nil
	}
	return &ExecResult{}, nil
}

func (f *fakeGit) callsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func TestSync_CleanTreeSkipsSnapshot(t *testing.T) {
	fake := newFakeGit()
	fake.on("git status --porcelain", &ExecResult{Stdout: ""})

	res, err := Sync(context.Background(), fake.run, Options{Branch: "main", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.SnapshotTaken {
		t.Error("no snapshot should be taken on a clean tree")
	}
	if calls := fake.callsMatching("git commit"); len(calls) != 0 {
		t.Errorf("unexpected commit calls: %v", calls)
	}
	if !res.Pushed {
		t.Error("push should succeed")
	}
}

func TestSync_SnapshotsSquashedAndCheckpointDeleted(t *testing.T) {
	// Scenario: local has two snapshot commits, remote has advanced.
	fake := newFakeGit()
	fake.on("git status --porcelain", &ExecResult{Stdout: " M main.go\n"})
	fake.on("git rev-list --reverse origin/main..HEAD", &ExecResult{Stdout: "aaa111\nbbb222\n"})
	fake.on("git log -1 --format=%s aaa111", &ExecResult{Stdout: "harvest: snapshot 2026-01-01T00:00:00Z\n"})
	fake.on("git log -1 --format=%s bbb222", &ExecResult{Stdout: "harvest: snapshot 2026-01-01T01:00:00Z\n"})

	res, err := Sync(context.Background(), fake.run, Options{Branch: "main", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if !res.SnapshotTaken {
		t.Error("dirty tree should produce a snapshot commit")
	}
	if res.SquashedSnapshots != 2 {
		t.Errorf("SquashedSnapshots = %d, want 2", res.SquashedSnapshots)
	}
	if !res.Pushed {
		t.Error("push should succeed")
	}
	if res.Checkpoint != "" {
		t.Errorf("checkpoint %q should be deleted after successful push", res.Checkpoint)
	}

	// Both snapshots collapse onto the remote tip.
	if calls := fake.callsMatching("git reset --soft origin/main"); len(calls) != 1 {
		t.Errorf("reset calls = %v, want one soft reset to origin/main", calls)
	}

	created := fake.callsMatching("git update-ref refs/harvest/checkpoint/")
	deleted := fake.callsMatching("git update-ref -d refs/harvest/checkpoint/")
	if len(created) != 1 || len(deleted) != 1 {
		t.Errorf("checkpoint created %d times, deleted %d times; want 1 and 1", len(created), len(deleted))
	}

	// The push must be conditional, never a bare force push.
	pushes := fake.callsMatching("git push")
	for _, p := range pushes {
		if !strings.Contains(p, "--force-with-lease") {
			t.Errorf("push %q is not lease-protected", p)
		}
	}
}

func TestSync_LogicalCommitsPreserved(t *testing.T) {
	fake := newFakeGit()
	fake.on("git status --porcelain", &ExecResult{Stdout: ""})
	fake.on("git rev-list --reverse origin/main..HEAD", &ExecResult{Stdout: "logic1\nsnap1\nsnap2\n"})
	fake.on("git log -1 --format=%s logic1", &ExecResult{Stdout: "Add retry handling to fetcher\n"})
	fake.on("git log -1 --format=%s snap1", &ExecResult{Stdout: "harvest: snapshot a\n"})
	fake.on("git log -1 --format=%s snap2", &ExecResult{Stdout: "harvest: snapshot b\n"})

	res, err := Sync(context.Background(), fake.run, Options{Branch: "main", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.SquashedSnapshots != 2 {
		t.Errorf("SquashedSnapshots = %d, want 2", res.SquashedSnapshots)
	}

	// Snapshots collapse onto the logical commit, not past it.
	if calls := fake.callsMatching("git reset --soft logic1"); len(calls) != 1 {
		t.Errorf("reset calls = %v, want one soft reset to logic1", fake.callsMatching("git reset"))
	}
}

func TestSync_RebaseConflictAbortsAndKeepsCheckpoint(t *testing.T) {
	fake := newFakeGit()
	fake.on("git status --porcelain", &ExecResult{Stdout: ""})
	fake.on("git rebase origin/main", &ExecResult{ExitCode: 1, Stderr: "CONFLICT (content): merge conflict in main.go"})

	res, err := Sync(context.Background(), fake.run, Options{Branch: "main", MaxAttempts: 3})
	if err == nil {
		t.Fatal("Sync() should fail on rebase conflict")
	}
	if errors.GetExitCode(err) != errors.ExitGitConflict {
		t.Errorf("error = %v, want git conflict", err)
	}
	if res.Checkpoint == "" {
		t.Error("checkpoint must be reported on conflict")
	}
	if calls := fake.callsMatching("git rebase --abort"); len(calls) != 1 {
		t.Errorf("rebase --abort calls = %d, want 1", len(calls))
	}
	if calls := fake.callsMatching("git update-ref -d"); len(calls) != 0 {
		t.Errorf("checkpoint must never be deleted on a failure path, got %v", calls)
	}
	if calls := fake.callsMatching("git push"); len(calls) != 0 {
		t.Errorf("no push should happen after a rebase conflict, got %v", calls)
	}
}

func TestSync_PushRejectedRetriesThenSucceeds(t *testing.T) {
	// Scenario: remote moves during the first rebase; the second full
	// cycle succeeds.
	fake := newFakeGit()
	fake.on("git status --porcelain", &ExecResult{Stdout: ""})
	fake.on("git push --force-with-lease origin main",
		&ExecResult{ExitCode: 1, Stderr: "! [rejected] main -> main (stale info)"},
		&ExecResult{ExitCode: 0})

	res, err := Sync(context.Background(), fake.run, Options{Branch: "main", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if !res.Pushed {
		t.Error("push should eventually succeed")
	}
	if res.Checkpoint != "" {
		t.Error("checkpoint should be deleted after the successful retry")
	}
	if calls := fake.callsMatching("git fetch"); len(calls) != 2 {
		t.Errorf("fetch calls = %d, want 2 (one per attempt)", len(calls))
	}
	// One checkpoint protects the whole retry sequence.
	if calls := fake.callsMatching("git update-ref refs/harvest/checkpoint/"); len(calls) != 1 {
		t.Errorf("checkpoint created %d times, want 1", len(calls))
	}
}

func TestSync_PushRetriesExhaustedSurfacesConflict(t *testing.T) {
	fake := newFakeGit()
	fake.on("git status --porcelain", &ExecResult{Stdout: ""})
	fake.on("git push --force-with-lease origin main",
		&ExecResult{ExitCode: 1, Stderr: "stale info"},
		&ExecResult{ExitCode: 1, Stderr: "stale info"})

	res, err := Sync(context.Background(), fake.run, Options{Branch: "main", MaxAttempts: 2})
	if err == nil {
		t.Fatal("Sync() should fail after exhausting retries")
	}
	if errors.GetExitCode(err) != errors.ExitGitConflict {
		t.Errorf("error = %v, want git conflict", err)
	}
	if res.Checkpoint == "" {
		t.Error("checkpoint must remain and be reported after exhaustion")
	}
	if calls := fake.callsMatching("git update-ref -d"); len(calls) != 0 {
		t.Errorf("checkpoint must not be deleted, got %v", calls)
	}
}

func TestSync_AuthFailureSurfacedAsAuthExpired(t *testing.T) {
	fake := newFakeGit()
	fake.on("git status --porcelain", &ExecResult{Stdout: ""})
	fake.on("git push --force-with-lease origin main",
		&ExecResult{ExitCode: 1, Stderr: "fatal: Authentication failed for 'https://github.com/acme/webapp.git'"})

	_, err := Sync(context.Background(), fake.run, Options{Branch: "main", MaxAttempts: 3})
	if err == nil {
		t.Fatal("Sync() should fail")
	}
	if errors.GetExitCode(err) != errors.ExitAuthExpired {
		t.Errorf("error = %v, want auth expired", err)
	}
	// Auth failures are never retried.
	if calls := fake.callsMatching("git push"); len(calls) != 1 {
		t.Errorf("push calls = %d, want 1", len(calls))
	}
}

func TestConfigureIdentity(t *testing.T) {
	fake := newFakeGit()

	err := ConfigureIdentity(context.Background(), fake.run, Identity{
		Name:  "Dev",
		Email: "dev@example.com",
		Token: "ghp_secret",
	})
	if err != nil {
		t.Fatalf("ConfigureIdentity() error = %v", err)
	}

	if calls := fake.callsMatching("git config --global credential.helper store"); len(calls) != 1 {
		t.Error("credential helper must be configured")
	}
	if calls := fake.callsMatching("git config --global user.name Dev (Harvest)"); len(calls) != 1 {
		t.Errorf("user.name must carry the attribution suffix, calls: %v", fake.callsMatching("git config --global user.name"))
	}

	// The token flows through the credentials file, never a clone URL.
	var sawCredWrite bool
	for _, c := range fake.callsMatching("bash -c") {
		if strings.Contains(c, ".git-credentials") && strings.Contains(c, "chmod 600") {
			sawCredWrite = true
		}
		if strings.Contains(c, "clone") {
			t.Errorf("token leaked into clone command: %q", c)
		}
	}
	if !sawCredWrite {
		t.Error("credentials file write not found")
	}

	// Credential setup happens before identity so later clones are
	// already authenticated.
	first := fake.calls[0]
	if !strings.HasPrefix(first, "git config --global credential.helper") {
		t.Errorf("first call = %q, want credential helper setup", first)
	}
}

func TestConfigureIdentity_NoToken(t *testing.T) {
	fake := newFakeGit()

	if err := ConfigureIdentity(context.Background(), fake.run, Identity{Name: "Dev", Email: "d@e.com"}); err != nil {
		t.Fatalf("ConfigureIdentity() error = %v", err)
	}
	if calls := fake.callsMatching("bash -c"); len(calls) != 0 {
		t.Errorf("no credentials file should be written without a token, got %v", calls)
	}
}

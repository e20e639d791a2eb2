// Package prebuild keeps warm sandbox images for configured
// repositories. Each cycle clones every repository into a fresh
// sandbox, installs dependencies, runs a best-effort build, and
// publishes a snapshot image that later sessions prefer over the base
// image.
package prebuild

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/errors"
	"github.com/harvest-engineering/harvest-executor/internal/gitsync"
	"github.com/harvest-engineering/harvest-executor/internal/logging"
	"github.com/harvest-engineering/harvest-executor/internal/provider"
)

const workspaceDir = "/workspace"

// Result is the outcome of prebuilding one repository.
type Result struct {
	Repo     config.RepoRef
	Success  bool
	Attempts int
	Duration time.Duration
	Err      error
}

// CycleSummary aggregates one scheduler cycle.
type CycleSummary struct {
	Started   time.Time
	Succeeded int
	Failed    int
	Results   []Result
}

// Err returns the alert error for the cycle, nil when everything built.
func (s *CycleSummary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return errors.PrebuildFailed(s.Failed, s.Failed+s.Succeeded)
}

// Scheduler runs prebuild cycles on a fixed period.
type Scheduler struct {
	provider    provider.Provider
	cfg         config.PrebuildConfig
	baseImage   string
	git         config.GitConfig
	credentials config.Credentials

	// Alert is invoked after any cycle with failures, in addition to the
	// cycle's error value.
	Alert func(*CycleSummary)
}

func NewScheduler(p provider.Provider, cfg *config.Config, creds config.Credentials) *Scheduler {
	return &Scheduler{
		provider:    p,
		cfg:         cfg.Prebuild,
		baseImage:   cfg.BaseImage,
		git:         cfg.Git,
		credentials: creds,
	}
}

// Run executes one cycle immediately, then one per configured interval
// until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Interval.Duration
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary := s.RunCycle(ctx)
		if err := summary.Err(); err != nil {
			logging.Error("prebuild cycle had failures",
				"failed", summary.Failed, "succeeded", summary.Succeeded)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle prebuilds every configured repository, fanning out up to the
// configured concurrency. Failures are isolated per repository.
func (s *Scheduler) RunCycle(ctx context.Context) *CycleSummary {
	summary := &CycleSummary{Started: time.Now()}
	if len(s.cfg.Repos) == 0 {
		return summary
	}

	logging.Info("prebuild cycle starting", "repos", len(s.cfg.Repos))

	concurrency := s.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	results := make([]Result, len(s.cfg.Repos))

	var wg sync.WaitGroup
	for i, repo := range s.cfg.Repos {
		wg.Add(1)
		go func(i int, repo config.RepoRef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.buildRepo(ctx, repo)
		}(i, repo)
	}
	wg.Wait()

	summary.Results = results
	for _, r := range results {
		if r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	logging.Info("prebuild cycle finished",
		"succeeded", summary.Succeeded, "failed", summary.Failed,
		"elapsed", time.Since(summary.Started).Round(time.Second))

	if summary.Failed > 0 && s.Alert != nil {
		s.Alert(summary)
	}
	return summary
}

// buildRepo retries one repository up to the configured attempt bound.
func (s *Scheduler) buildRepo(ctx context.Context, repo config.RepoRef) Result {
	start := time.Now()
	attempts := s.cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	res := Result{Repo: repo}
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		err := s.buildOnce(ctx, repo)
		if err == nil {
			res.Success = true
			res.Duration = time.Since(start)
			logging.Info("prebuild succeeded", "repo", repo.String(),
				"attempt", attempt, "elapsed", res.Duration.Round(time.Second))
			return res
		}
		res.Err = err
		logging.Warn("prebuild attempt failed", "repo", repo.String(),
			"attempt", attempt, "error", err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				res.Duration = time.Since(start)
				return res
			case <-time.After(s.cfg.RetryDelay.Duration):
			}
		}
	}
	res.Duration = time.Since(start)
	return res
}

// buildOnce runs one prebuild attempt in a throwaway sandbox. The
// sandbox is destroyed no matter how the attempt ends.
func (s *Scheduler) buildOnce(ctx context.Context, repo config.RepoRef) error {
	handle, err := s.provider.Create(ctx, provider.CreateOptions{
		Name:    fmt.Sprintf("prebuild-%s-%s-%d", repo.Owner, repo.Name, time.Now().UnixNano()),
		Image:   s.baseImage,
		WorkDir: workspaceDir,
	})
	if err != nil {
		return errors.ProviderUnavailable("create", err)
	}
	defer func() {
		if err := s.provider.Destroy(context.WithoutCancel(ctx), handle); err != nil {
			logging.Error("prebuild sandbox destroy failed", "sandbox", handle.ID, "error", err)
		}
	}()

	build := &builder{scheduler: s, handle: handle, repo: repo}
	return build.run(ctx)
}

// builder does the in-sandbox work of one attempt.
type builder struct {
	scheduler *Scheduler
	handle    *provider.Handle
	repo      config.RepoRef
	repoDir   string
}

func (b *builder) run(ctx context.Context) error {
	b.repoDir = workspaceDir + "/" + b.repo.Name

	err := gitsync.ConfigureIdentity(ctx, b.execer(workspaceDir), gitsync.Identity{
		Name:  b.scheduler.git.UserName,
		Email: b.scheduler.git.UserEmail,
		Token: b.scheduler.credentials.GitHubToken,
	})
	if err != nil {
		return err
	}

	branch := b.repo.Branch
	if branch == "" {
		branch = "main"
	}
	url := "https://github.com/" + b.repo.String() + ".git"
	res, err := b.exec(ctx, workspaceDir, "git", "clone", "--depth", "1", "--branch", branch, url, b.repo.Name)
	if err != nil {
		return errors.RepoCloneFailed(b.repo.String(), err)
	}
	if !res.Success() {
		return errors.RepoCloneFailed(b.repo.String(),
			fmt.Errorf("git clone failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}

	if version := b.detectNodeVersion(ctx); version != "" {
		// Volta's automatic switching does not apply to non-interactive
		// execs, so the version is pinned explicitly. Best effort.
		if res, err := b.exec(ctx, b.repoDir, "volta", "install", "node@"+version); err != nil || !res.Success() {
			logging.Warn("node version pin failed", "repo", b.repo.String(), "version", version)
		}
	}

	if err := b.installDependencies(ctx); err != nil {
		return err
	}

	b.runBuildIfAvailable(ctx)

	if err := b.scheduler.provider.Snapshot(ctx, b.handle, ImageFor(b.repo)); err != nil {
		return fmt.Errorf("publishing snapshot image: %w", err)
	}
	return nil
}

// detectNodeVersion reads .nvmrc, .node-version, or package.json
// engines, in that order.
func (b *builder) detectNodeVersion(ctx context.Context) string {
	if v := strings.TrimSpace(b.fileContents(ctx, ".nvmrc")); v != "" {
		return strings.TrimPrefix(v, "v")
	}
	if v := strings.TrimSpace(b.fileContents(ctx, ".node-version")); v != "" {
		return strings.TrimPrefix(v, "v")
	}
	raw := b.fileContents(ctx, "package.json")
	if raw == "" {
		return ""
	}
	var pkg struct {
		Engines struct {
			Node string `json:"node"`
		} `json:"engines"`
	}
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		return ""
	}
	return numericVersion(pkg.Engines.Node)
}

var versionPattern = regexp.MustCompile(`[0-9]+(\.[0-9]+)*`)

// numericVersion extracts a concrete version from an engine range like
// ">=18.17 <21".
func numericVersion(rangeSpec string) string {
	return versionPattern.FindString(rangeSpec)
}

// installDependencies picks the package manager from lock files and
// runs a reproducible install.
func (b *builder) installDependencies(ctx context.Context) error {
	var install []string
	switch {
	case b.fileExists(ctx, "pnpm-lock.yaml"):
		install = []string{"pnpm", "install", "--frozen-lockfile"}
	case b.fileExists(ctx, "yarn.lock"):
		install = []string{"yarn", "install", "--frozen-lockfile"}
	case b.fileExists(ctx, "package-lock.json"):
		install = []string{"npm", "ci"}
	case b.fileExists(ctx, "package.json"):
		install = []string{"npm", "install"}
	case b.fileExists(ctx, "requirements.txt"):
		install = []string{"pip", "install", "-r", "requirements.txt", "--break-system-packages"}
	case b.fileExists(ctx, "pyproject.toml"):
		install = []string{"pip", "install", "-e", ".", "--break-system-packages"}
	default:
		logging.Info("no dependency manifest found", "repo", b.repo.String())
		return nil
	}

	res, err := b.exec(ctx, b.repoDir, install...)
	if err != nil {
		return fmt.Errorf("installing dependencies: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("%s failed (exit %d): %s",
			strings.Join(install[:2], " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// runBuildIfAvailable runs the package.json build script when one
// exists. A failing build never fails the prebuild; the dependency
// install is the part worth snapshotting.
func (b *builder) runBuildIfAvailable(ctx context.Context) {
	raw := b.fileContents(ctx, "package.json")
	if raw == "" {
		return
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		return
	}
	if _, ok := pkg.Scripts["build"]; !ok {
		return
	}

	manager := "npm"
	switch {
	case b.fileExists(ctx, "pnpm-lock.yaml"):
		manager = "pnpm"
	case b.fileExists(ctx, "yarn.lock"):
		manager = "yarn"
	}

	res, err := b.exec(ctx, b.repoDir, manager, "run", "build")
	if err != nil || !res.Success() {
		logging.Warn("warm-up build failed", "repo", b.repo.String(), "manager", manager)
	}
}

func (b *builder) fileExists(ctx context.Context, name string) bool {
	res, err := b.exec(ctx, b.repoDir, "test", "-f", name)
	return err == nil && res.Success()
}

func (b *builder) fileContents(ctx context.Context, name string) string {
	res, err := b.exec(ctx, b.repoDir, "cat", name)
	if err != nil || !res.Success() {
		return ""
	}
	return res.Stdout
}

func (b *builder) exec(ctx context.Context, workDir string, argv ...string) (*provider.ExecResult, error) {
	return b.scheduler.provider.Exec(ctx, b.handle, argv, provider.ExecOptions{WorkDir: workDir})
}

func (b *builder) execer(workDir string) gitsync.Execer {
	return func(ctx context.Context, argv ...string) (*gitsync.ExecResult, error) {
		res, err := b.exec(ctx, workDir, argv...)
		if err != nil {
			return nil, err
		}
		return &gitsync.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
	}
}

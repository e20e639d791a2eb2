package session

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harvest-engineering/harvest-executor/internal/agent"
	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/errors"
	"github.com/harvest-engineering/harvest-executor/internal/gitsync"
	"github.com/harvest-engineering/harvest-executor/internal/history"
	"github.com/harvest-engineering/harvest-executor/internal/logging"
	"github.com/harvest-engineering/harvest-executor/internal/memory"
	"github.com/harvest-engineering/harvest-executor/internal/prebuild"
	"github.com/harvest-engineering/harvest-executor/internal/provider"
)

const (
	workspaceDir   = "/workspace"
	createAttempts = 3
	createDelay    = 2 * time.Second
	teardownBudget = 5 * time.Minute
)

// Deps are the collaborators a Manager needs. All of them are safe for
// concurrent use across sessions.
type Deps struct {
	Provider    provider.Provider
	Config      *config.Config
	Paths       *config.Paths
	Registry    *Registry
	Credentials config.Credentials
	Memory      *memory.Store

	// Sink receives output chunks as they stream from the agent.
	Sink func(sessionID string, seq int, chunk []byte)
}

// Manager owns exactly one Session from creation to teardown.
type Manager struct {
	deps Deps
	sess *Session

	wrapper *agent.Wrapper
	hist    *history.Log
	repoDir string

	idleTimer *time.Timer
	maxTimer  *time.Timer

	// turnMu guards the per-turn bookkeeping below.
	turnMu    sync.Mutex
	prompts   map[int]string
	responses map[int]*strings.Builder

	terminateOnce sync.Once
	terminated    chan struct{}
}

// Create allocates a sandbox, prepares the repository, attaches the
// agent process, and registers the session. On any failure the sandbox
// is destroyed before the error is returned.
func Create(ctx context.Context, deps Deps, repo config.RepoRef) (*Manager, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	branch := repo.Branch
	if branch == "" {
		branch = "main"
	}

	m := &Manager{
		deps: deps,
		sess: &Session{
			ID:        uuid.NewString(),
			Repo:      repo,
			Branch:    branch,
			CreatedAt: time.Now(),
			status:    StatusStarting,
		},
		repoDir:    path.Join(workspaceDir, repo.Name),
		prompts:    make(map[int]string),
		responses:  make(map[int]*strings.Builder),
		terminated: make(chan struct{}),
	}
	m.sess.lastActivityAt = m.sess.CreatedAt

	log := logging.With("session", m.sess.ID, "repo", repo.String())

	image := deps.Config.BaseImage
	if prebuilt := prebuild.ImageFor(repo); prebuilt != "" {
		ok, err := deps.Provider.HasImage(ctx, prebuilt)
		if err != nil {
			log.Warn("prebuilt image lookup failed, using base image", "error", err)
		} else if ok {
			image = prebuilt
			log.Info("using prebuilt image", "image", image)
		}
	}

	handle, err := provider.CreateWithRetry(ctx, deps.Provider, provider.CreateOptions{
		Name:    "session-" + shortID(m.sess.ID),
		Image:   image,
		WorkDir: workspaceDir,
	}, createAttempts, createDelay)
	if err != nil {
		m.sess.setStatus(StatusFailed)
		return nil, err
	}
	m.sess.handle = handle

	if err := m.prepare(ctx); err != nil {
		m.sess.setStatus(StatusFailed)
		m.destroy(context.Background())
		return nil, err
	}

	if err := m.attach(ctx); err != nil {
		m.sess.setStatus(StatusFailed)
		m.destroy(context.Background())
		return nil, err
	}

	if err := deps.Registry.add(m); err != nil {
		m.wrapper.Close()
		m.sess.setStatus(StatusFailed)
		m.destroy(context.Background())
		return nil, err
	}

	m.startTimers()
	m.sess.setStatus(StatusIdle)
	log.Info("session created", "image", image, "sandbox", handle.ID)
	return m, nil
}

// prepare configures git identity, clones the branch, and seeds the
// repository's memory store.
func (m *Manager) prepare(ctx context.Context) error {
	run := m.execIn(workspaceDir)

	err := gitsync.ConfigureIdentity(ctx, run, gitsync.Identity{
		Name:  m.deps.Config.Git.UserName,
		Email: m.deps.Config.Git.UserEmail,
		Token: m.deps.Credentials.GitHubToken,
	})
	if err != nil {
		return err
	}

	// The credential store supplies the token; the URL stays clean.
	url := "https://github.com/" + m.sess.Repo.String() + ".git"
	res, err := m.deps.Provider.Exec(ctx, m.sess.handle,
		[]string{"git", "clone", "--branch", m.sess.Branch, url, m.sess.Repo.Name},
		provider.ExecOptions{WorkDir: workspaceDir})
	if err != nil {
		return errors.RepoCloneFailed(m.sess.Repo.String(), err)
	}
	if !res.Success() {
		stderr := strings.ToLower(res.Stderr)
		switch {
		case strings.Contains(stderr, "authentication failed"):
			return errors.AuthExpired("git clone", errors.New(errors.ExitRepoCloneFailed, res.Stderr))
		case strings.Contains(stderr, "no space left on device"):
			return errors.ResourceExhausted(strings.TrimSpace(res.Stderr))
		}
		return errors.RepoCloneFailed(m.sess.Repo.String(), errors.New(errors.ExitRepoCloneFailed, strings.TrimSpace(res.Stderr)))
	}

	if m.deps.Memory != nil {
		if _, err := m.deps.Memory.EnsureSeeded(m.sess.Repo); err != nil {
			logging.Warn("memory seeding failed", "session", m.sess.ID, "error", err)
		}
	}
	return nil
}

// attach starts the agent process and wires the wrapper callbacks.
func (m *Manager) attach(ctx context.Context) error {
	var err error
	m.hist, err = history.Open(m.deps.Paths.SessionsDir, m.sess.ID)
	if err != nil {
		return err
	}

	var env []string
	if m.deps.Credentials.AgentToken != "" {
		env = append(env, "CLAUDE_CODE_OAUTH_TOKEN="+m.deps.Credentials.AgentToken)
	}

	proc, err := m.deps.Provider.Start(ctx, m.sess.handle, m.deps.Config.Agent.Command,
		provider.ExecOptions{WorkDir: m.repoDir, Env: env})
	if err != nil {
		return errors.ProviderUnavailable("start agent", err)
	}

	m.wrapper = agent.New(proc, agent.Options{
		Marker:            m.deps.Config.Agent.CompletionMarker,
		CompletionTimeout: m.deps.Config.Session.CompletionTimeout.Duration,
		CancelGrace:       m.deps.Config.Session.CancelGrace.Duration,
		OnChunk:           m.onChunk,
		OnComplete:        m.onComplete,
		OnActivity:        m.onActivity,
		OnIdle:            m.onIdle,
	})
	return nil
}

// Session returns the session record.
func (m *Manager) Session() *Session {
	return m.sess
}

// SendPrompt enqueues a prompt, enriched with recent conversation
// context. Returns the assigned sequence number.
func (m *Manager) SendPrompt(text string) (int, error) {
	select {
	case <-m.terminated:
		return 0, errors.SessionTerminated(m.sess.ID)
	default:
	}

	enriched := m.hist.BuildContextPrompt(text)
	seq, err := m.wrapper.Enqueue(enriched)
	if err != nil {
		return 0, errors.SessionTerminated(m.sess.ID)
	}

	m.turnMu.Lock()
	m.prompts[seq] = text
	m.turnMu.Unlock()

	m.sess.touch()
	m.sess.setStatus(StatusRunning)
	m.resetIdleTimer()
	return seq, nil
}

// Cancel interrupts the in-flight turn and drains pending prompts.
func (m *Manager) Cancel() {
	logging.Info("cancelling session turn", "session", m.sess.ID)
	m.wrapper.Cancel()

	m.turnMu.Lock()
	m.prompts = make(map[int]string)
	m.responses = make(map[int]*strings.Builder)
	m.turnMu.Unlock()
}

// Terminate tears the session down: best-effort final git sync, then
// guaranteed sandbox destruction and registry removal. Safe to call
// multiple times and from concurrent triggers; only the first call does
// the work and later calls return once teardown has begun.
func (m *Manager) Terminate(reason Reason) {
	m.terminateOnce.Do(func() {
		defer close(m.terminated)

		log := logging.With("session", m.sess.ID, "reason", string(reason))
		log.Info("terminating session")

		m.sess.setStatus(StatusTerminating)
		m.stopTimers()

		if m.wrapper != nil {
			m.wrapper.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), teardownBudget)
		defer cancel()

		m.finalSync(ctx, log)
		m.destroy(ctx)
		m.deps.Registry.remove(m.sess.ID)

		if reason == ReasonFailure {
			m.sess.setStatus(StatusFailed)
		} else {
			m.sess.setStatus(StatusTerminated)
		}
		log.Info("session terminated", "checkpoints", m.sess.CheckpointRefs())
	})
}

// finalSync pushes outstanding work. Failures never block teardown;
// leftover checkpoints are recorded for the caller.
func (m *Manager) finalSync(ctx context.Context, log *slog.Logger) {
	attempts := m.deps.Config.Session.FinalSyncAttempts
	res, err := gitsync.Sync(ctx, m.execIn(m.repoDir), gitsync.Options{
		Branch:      m.sess.Branch,
		MaxAttempts: attempts,
	})
	if err != nil {
		log.Warn("final git sync failed", "error", err)
	}
	if res != nil && res.Checkpoint != "" {
		m.sess.addCheckpoint(res.Checkpoint)
		log.Warn("checkpoint left in repository", "ref", res.Checkpoint)
	}
}

// destroy releases the sandbox exactly once.
func (m *Manager) destroy(ctx context.Context) {
	m.sess.mu.Lock()
	handle := m.sess.handle
	m.sess.handle = nil
	m.sess.mu.Unlock()
	if handle == nil {
		return
	}
	if err := m.deps.Provider.Destroy(ctx, handle); err != nil {
		logging.Error("sandbox destroy failed", "session", m.sess.ID, "sandbox", handle.ID, "error", err)
	}
}

// execIn returns a gitsync.Execer running commands inside the sandbox.
func (m *Manager) execIn(workDir string) gitsync.Execer {
	return func(ctx context.Context, argv ...string) (*gitsync.ExecResult, error) {
		res, err := m.deps.Provider.Exec(ctx, m.sess.Handle(), argv, provider.ExecOptions{WorkDir: workDir})
		if err != nil {
			return nil, err
		}
		return &gitsync.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
	}
}

func (m *Manager) onChunk(seq int, chunk []byte) {
	m.turnMu.Lock()
	buf, ok := m.responses[seq]
	if !ok {
		buf = &strings.Builder{}
		m.responses[seq] = buf
	}
	buf.Write(chunk)
	m.turnMu.Unlock()

	if m.deps.Sink != nil {
		m.deps.Sink(m.sess.ID, seq, chunk)
	}
}

func (m *Manager) onComplete(seq int, degraded bool) {
	m.turnMu.Lock()
	prompt, hadPrompt := m.prompts[seq]
	var response string
	if buf, ok := m.responses[seq]; ok {
		response = buf.String()
	}
	delete(m.prompts, seq)
	delete(m.responses, seq)
	m.turnMu.Unlock()

	if degraded {
		logging.Warn("turn completed without marker", "session", m.sess.ID, "seq", seq)
	}
	if hadPrompt {
		if err := m.hist.AddExchange(prompt, response); err != nil {
			logging.Warn("recording exchange failed", "session", m.sess.ID, "error", err)
		}
	}
}

func (m *Manager) onActivity() {
	m.sess.touch()
	m.resetIdleTimer()
}

func (m *Manager) onIdle() {
	m.sess.setStatus(StatusIdle)
}

func (m *Manager) startTimers() {
	if d := m.deps.Config.Session.IdleTimeout.Duration; d > 0 {
		m.idleTimer = time.AfterFunc(d, func() { m.Terminate(ReasonIdle) })
	}
	// The duration cap is absolute; it is never reset.
	if d := m.deps.Config.Session.MaxDuration.Duration; d > 0 {
		m.maxTimer = time.AfterFunc(d, func() { m.Terminate(ReasonMaxDuration) })
	}
}

func (m *Manager) resetIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Reset(m.deps.Config.Session.IdleTimeout.Duration)
	}
}

func (m *Manager) stopTimers() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	if m.maxTimer != nil {
		m.maxTimer.Stop()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

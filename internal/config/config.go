package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	DefaultConfigDir = "/etc/harvest"
	DefaultStateDir  = "/var/lib/harvest"

	// DefaultBaseImage is used when no prebuilt image exists for a repo.
	DefaultBaseImage = "harvest/agent-base:latest"

	// DefaultCompletionMarker is the sentinel the in-sandbox agent emits
	// at the end of a turn.
	DefaultCompletionMarker = "<<HARVEST_TURN_COMPLETE>>"
)

// repoNameRegex validates repository owner and name components.
// GitHub allows letters, digits, hyphens, underscores, and dots.
var repoNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// ValidateRepoComponent checks a repository owner or name.
func ValidateRepoComponent(s string) error {
	if s == "" {
		return fmt.Errorf("repository owner/name cannot be empty")
	}
	if !repoNameRegex.MatchString(s) {
		return fmt.Errorf("invalid repository component %q", s)
	}
	return nil
}

// Duration wraps time.Duration so TOML values can be written as "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// RepoRef identifies a repository branch.
type RepoRef struct {
	Owner  string `toml:"owner"`
	Name   string `toml:"name"`
	Branch string `toml:"branch"`
}

// String returns the owner/name form.
func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// Key returns the per-repository store key.
func (r RepoRef) Key() string {
	return r.Owner + "/" + r.Name
}

// Validate checks that the RepoRef is valid.
func (r RepoRef) Validate() error {
	if err := ValidateRepoComponent(r.Owner); err != nil {
		return err
	}
	if err := ValidateRepoComponent(r.Name); err != nil {
		return err
	}
	return nil
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	// IdleTimeout terminates a session with no accepted prompts and no
	// streaming activity for this long.
	IdleTimeout Duration `toml:"idle_timeout"`

	// MaxDuration is the absolute wall-clock cap from session creation.
	MaxDuration Duration `toml:"max_duration"`

	// CompletionTimeout is the coarse fallback when no completion marker
	// arrives for an in-flight prompt.
	CompletionTimeout Duration `toml:"completion_timeout"`

	// CancelGrace bounds how long Cancel waits for the agent process to
	// acknowledge an interrupt.
	CancelGrace Duration `toml:"cancel_grace"`

	// FinalSyncAttempts bounds the best-effort git sync at termination.
	FinalSyncAttempts int `toml:"final_sync_attempts"`
}

// AgentConfig describes the interactive agent process run in each sandbox.
type AgentConfig struct {
	// Command is the agent process argv, started in the repo directory.
	Command []string `toml:"command"`

	// CompletionMarker is the sentinel string ending a turn.
	CompletionMarker string `toml:"completion_marker"`
}

// GitConfig holds the git identity configured inside sandboxes.
type GitConfig struct {
	UserName  string `toml:"user_name"`
	UserEmail string `toml:"user_email"`

	// PushAttempts bounds the Safe-Carry-Forward retry loop.
	PushAttempts int `toml:"push_attempts"`
}

// PrebuildConfig holds the repository prebuild scheduler settings.
type PrebuildConfig struct {
	Interval    Duration  `toml:"interval"`
	Attempts    int       `toml:"attempts"`
	RetryDelay  Duration  `toml:"retry_delay"`
	Concurrency int       `toml:"concurrency"`
	Repos       []RepoRef `toml:"repos"`
}

// Config is the top-level harvest-ctl configuration.
type Config struct {
	StateDir  string `toml:"state_dir"`
	BaseImage string `toml:"base_image"`

	Session  SessionConfig  `toml:"session"`
	Agent    AgentConfig    `toml:"agent"`
	Git      GitConfig      `toml:"git"`
	Prebuild PrebuildConfig `toml:"prebuild"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.BaseImage == "" {
		c.BaseImage = DefaultBaseImage
	}
	if c.Session.IdleTimeout.Duration == 0 {
		c.Session.IdleTimeout.Duration = 30 * time.Minute
	}
	if c.Session.MaxDuration.Duration == 0 {
		c.Session.MaxDuration.Duration = 24 * time.Hour
	}
	if c.Session.CompletionTimeout.Duration == 0 {
		c.Session.CompletionTimeout.Duration = 30 * time.Minute
	}
	if c.Session.CancelGrace.Duration == 0 {
		c.Session.CancelGrace.Duration = 10 * time.Second
	}
	if c.Session.FinalSyncAttempts == 0 {
		c.Session.FinalSyncAttempts = 3
	}
	if len(c.Agent.Command) == 0 {
		c.Agent.Command = []string{"claude", "--print", "--output-format", "stream-json"}
	}
	if c.Agent.CompletionMarker == "" {
		c.Agent.CompletionMarker = DefaultCompletionMarker
	}
	if c.Git.PushAttempts == 0 {
		c.Git.PushAttempts = 3
	}
	if c.Prebuild.Interval.Duration == 0 {
		c.Prebuild.Interval.Duration = 30 * time.Minute
	}
	if c.Prebuild.Attempts == 0 {
		c.Prebuild.Attempts = 3
	}
	if c.Prebuild.RetryDelay.Duration == 0 {
		c.Prebuild.RetryDelay.Duration = 30 * time.Second
	}
	if c.Prebuild.Concurrency == 0 {
		c.Prebuild.Concurrency = 4
	}
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path (got %q)", c.StateDir)
	}
	for _, repo := range c.Prebuild.Repos {
		if err := repo.Validate(); err != nil {
			return fmt.Errorf("prebuild repo %s: %w", repo, err)
		}
	}
	if c.Prebuild.Attempts < 1 {
		return fmt.Errorf("prebuild attempts must be at least 1 (got %d)", c.Prebuild.Attempts)
	}
	if c.Prebuild.Concurrency < 1 {
		return fmt.Errorf("prebuild concurrency must be at least 1 (got %d)", c.Prebuild.Concurrency)
	}
	return nil
}

// Load reads a TOML config file and applies defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Paths holds the configured state paths.
type Paths struct {
	StateDir    string
	SessionsDir string
	MemoryDir   string
}

// PathsFor derives the state layout from a Config.
func PathsFor(cfg *Config) *Paths {
	return &Paths{
		StateDir:    cfg.StateDir,
		SessionsDir: filepath.Join(cfg.StateDir, "sessions"),
		MemoryDir:   filepath.Join(cfg.StateDir, "memory"),
	}
}

// EnsureDirs creates the state directories if they do not exist.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.StateDir, p.SessionsDir, p.MemoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// RepoPath joins an owner/name pair under baseDir without allowing the
// components to escape it.
func RepoPath(baseDir, owner, name string) (string, error) {
	path, err := securejoin.SecureJoin(baseDir, filepath.Join(owner, name))
	if err != nil {
		return "", fmt.Errorf("invalid repository path %s/%s: %w", owner, name, err)
	}
	return path, nil
}

// Credentials are injected into sandboxes at session creation.
type Credentials struct {
	// GitHubToken authenticates clone/fetch/push.
	GitHubToken string

	// AgentToken authenticates the in-sandbox agent process.
	AgentToken string
}

// CredentialsFromEnv reads credentials from the conventional variables.
func CredentialsFromEnv() Credentials {
	return Credentials{
		GitHubToken: os.Getenv("GITHUB_TOKEN"),
		AgentToken:  os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"),
	}
}

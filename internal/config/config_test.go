package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, DefaultStateDir)
	}
	if cfg.Session.IdleTimeout.Duration != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", cfg.Session.IdleTimeout.Duration)
	}
	if cfg.Session.MaxDuration.Duration != 24*time.Hour {
		t.Errorf("MaxDuration = %v, want 24h", cfg.Session.MaxDuration.Duration)
	}
	if cfg.Agent.CompletionMarker != DefaultCompletionMarker {
		t.Errorf("CompletionMarker = %q, want default", cfg.Agent.CompletionMarker)
	}
	if cfg.Prebuild.Attempts != 3 {
		t.Errorf("Prebuild.Attempts = %d, want 3", cfg.Prebuild.Attempts)
	}
}

func TestLoad_File(t *testing.T) {
	content := `
state_dir = "/tmp/harvest-test"
base_image = "harvest/custom:v2"

[session]
idle_timeout = "15m"
max_duration = "2h"

[git]
user_name = "Dev"
user_email = "dev@example.com"

[prebuild]
interval = "10m"
concurrency = 2

[[prebuild.repos]]
owner = "acme"
name = "webapp"
branch = "main"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BaseImage != "harvest/custom:v2" {
		t.Errorf("BaseImage = %q", cfg.BaseImage)
	}
	if cfg.Session.IdleTimeout.Duration != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", cfg.Session.IdleTimeout.Duration)
	}
	if cfg.Session.MaxDuration.Duration != 2*time.Hour {
		t.Errorf("MaxDuration = %v, want 2h", cfg.Session.MaxDuration.Duration)
	}
	// Unset values still get defaults
	if cfg.Session.CompletionTimeout.Duration != 30*time.Minute {
		t.Errorf("CompletionTimeout = %v, want default 30m", cfg.Session.CompletionTimeout.Duration)
	}
	if len(cfg.Prebuild.Repos) != 1 || cfg.Prebuild.Repos[0].Key() != "acme/webapp" {
		t.Errorf("Prebuild.Repos = %+v", cfg.Prebuild.Repos)
	}
}

func TestLoad_InvalidRepo(t *testing.T) {
	content := `
[[prebuild.repos]]
owner = "../etc"
name = "passwd"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should reject repo owner with path characters")
	}
}

func TestValidateRepoComponent(t *testing.T) {
	valid := []string{"acme", "web-app", "web_app", "a.b", "A1"}
	for _, s := range valid {
		if err := ValidateRepoComponent(s); err != nil {
			t.Errorf("ValidateRepoComponent(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{"", "-leading", ".hidden", "has space", "a/b", "../up"}
	for _, s := range invalid {
		if err := ValidateRepoComponent(s); err == nil {
			t.Errorf("ValidateRepoComponent(%q) = nil, want error", s)
		}
	}
}

func TestRepoPath(t *testing.T) {
	base := t.TempDir()

	path, err := RepoPath(base, "acme", "webapp")
	if err != nil {
		t.Fatalf("RepoPath() error = %v", err)
	}
	if !strings.HasPrefix(path, base) {
		t.Errorf("RepoPath() = %q escapes base %q", path, base)
	}

	// Traversal components must stay inside the base directory
	path, err = RepoPath(base, "..", "..")
	if err != nil {
		t.Fatalf("RepoPath() error = %v", err)
	}
	if !strings.HasPrefix(path, base) {
		t.Errorf("RepoPath(..) = %q escapes base %q", path, base)
	}
}

func TestPathsFor_EnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")

	paths := PathsFor(cfg)
	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error = %v", err)
	}

	for _, dir := range []string{paths.StateDir, paths.SessionsDir, paths.MemoryDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}
}

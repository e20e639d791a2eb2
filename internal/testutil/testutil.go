// Package testutil provides shared fixtures for session and scheduler
// tests: a temp-dir state layout, a fast-timer config, and a scripted
// mock provider.
package testutil

import (
	"testing"
	"time"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/memory"
	"github.com/harvest-engineering/harvest-executor/internal/provider"
)

// Marker is the completion marker used by test agents.
const Marker = "<<DONE>>"

// TestEnv holds a self-contained environment backed by a temp dir and a
// mock provider.
type TestEnv struct {
	T        *testing.T
	Config   *config.Config
	Paths    *config.Paths
	Provider *provider.MockProvider
	Memory   *memory.Store
}

// NewTestEnv builds an environment with generous timers so lifecycle
// tests only trigger what they explicitly arrange.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	cfg := &config.Config{
		StateDir:  t.TempDir(),
		BaseImage: "harvest/base:latest",
		Session: config.SessionConfig{
			IdleTimeout:       config.Duration{Duration: time.Hour},
			MaxDuration:       config.Duration{Duration: 24 * time.Hour},
			CompletionTimeout: config.Duration{Duration: time.Minute},
			CancelGrace:       config.Duration{Duration: 100 * time.Millisecond},
			FinalSyncAttempts: 2,
		},
		Agent: config.AgentConfig{
			Command:          []string{"agent", "--interactive"},
			CompletionMarker: Marker,
		},
		Git: config.GitConfig{UserName: "Dev", UserEmail: "dev@example.com"},
		Prebuild: config.PrebuildConfig{
			Attempts:    3,
			Concurrency: 2,
		},
	}

	paths := config.PathsFor(cfg)
	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("failed to create state dirs: %v", err)
	}

	return &TestEnv{
		T:        t,
		Config:   cfg,
		Paths:    paths,
		Provider: provider.NewMockProvider(),
		Memory:   memory.NewStore(paths.MemoryDir),
	}
}

// EchoProcess returns a mock agent that answers every prompt with a
// short response followed by the completion marker.
func EchoProcess() *provider.MockProcess {
	p := provider.NewMockProcess()
	p.OnSend = func(string) {
		go p.Emit("ok\n" + Marker)
	}
	return p
}

// DestroyTotal sums sandbox destroy calls across all handles.
func (e *TestEnv) DestroyTotal() int {
	total := 0
	for _, n := range e.Provider.DestroyCount {
		total += n
	}
	return total
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

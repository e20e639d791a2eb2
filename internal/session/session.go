// Package session owns the lifecycle of interactive coding sessions:
// sandbox acquisition, agent attachment, prompt intake, idle and
// duration timers, and teardown with a final git sync.
package session

import (
	"sync"
	"time"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/provider"
)

// Status tracks where a session is in its lifecycle.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusIdle
	StatusTerminating
	StatusTerminated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusIdle:
		return "idle"
	case StatusTerminating:
		return "terminating"
	case StatusTerminated:
		return "terminated"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason explains why a session was terminated.
type Reason string

const (
	ReasonRequested   Reason = "requested"
	ReasonIdle        Reason = "idle-timeout"
	ReasonMaxDuration Reason = "max-duration"
	ReasonFailure     Reason = "failure"
)

// Session is the state record for one live session. All mutation goes
// through the owning Manager.
type Session struct {
	ID        string
	Repo      config.RepoRef
	Branch    string
	CreatedAt time.Time

	mu             sync.Mutex
	status         Status
	lastActivityAt time.Time
	handle         *provider.Handle

	// checkpointRefs collects git checkpoint refs left behind by failed
	// sync attempts; reported to the caller, never silently dropped.
	checkpointRefs []string
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Terminal states are sticky.
	if s.status == StatusTerminated || s.status == StatusFailed {
		return
	}
	s.status = st
}

// LastActivity returns when the session last saw a prompt or streaming
// output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// touch advances lastActivityAt, never moving it backwards.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now(); now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

// Handle returns the sandbox handle, nil once released.
func (s *Session) Handle() *provider.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) addCheckpoint(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointRefs = append(s.checkpointRefs, ref)
}

// CheckpointRefs returns any git checkpoint refs left in the repository
// by sync failures.
func (s *Session) CheckpointRefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.checkpointRefs))
	copy(out, s.checkpointRefs)
	return out
}

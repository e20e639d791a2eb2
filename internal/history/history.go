// Package history keeps per-session conversation state on disk so a
// session can carry context across agent turns. One append-only JSONL
// file per session under the sessions state directory.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// contextWindow is how many trailing messages feed the context prompt.
const contextWindow = 10

// Message is one conversation line, user or assistant.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// fileEvent records a file the agent touched during the session.
type fileEvent struct {
	Path string    `json:"path"`
	At   time.Time `json:"at"`
}

// line is the on-disk record, one JSON object per line.
type line struct {
	Kind    string     `json:"kind"`
	Message *Message   `json:"message,omitempty"`
	File    *fileEvent `json:"file,omitempty"`
}

// Log is the durable history for one session. Appends go straight to
// disk; reads are served from the in-memory tail.
type Log struct {
	mu       sync.Mutex
	path     string
	messages []Message
	files    map[string]time.Time
}

// Open loads or creates the history file for a session id under dir.
func Open(dir, sessionID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}
	l := &Log{
		path:  filepath.Join(dir, sessionID+".jsonl"),
		files: make(map[string]time.Time),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening history %s: %w", l.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec line
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		switch {
		case rec.Kind == "message" && rec.Message != nil:
			l.messages = append(l.messages, *rec.Message)
		case rec.Kind == "file" && rec.File != nil:
			l.files[rec.File.Path] = rec.File.At
		}
	}
	return scanner.Err()
}

func (l *Log) append(recs ...line) error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening history %s: %w", l.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// AddExchange stores one user prompt and the assistant response it
// produced.
func (l *Log) AddExchange(prompt, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	user := Message{Role: "user", Content: prompt, At: now}
	assistant := Message{Role: "assistant", Content: response, At: now}

	if err := l.append(
		line{Kind: "message", Message: &user},
		line{Kind: "message", Message: &assistant},
	); err != nil {
		return err
	}
	l.messages = append(l.messages, user, assistant)
	return nil
}

// MarkFileModified records that the agent touched a file. Re-marking
// the same path updates its timestamp.
func (l *Log) MarkFileModified(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if err := l.append(line{Kind: "file", File: &fileEvent{Path: path, At: now}}); err != nil {
		return err
	}
	l.files[path] = now
	return nil
}

// ModifiedFiles returns the touched paths, most recent first.
func (l *Log) ModifiedFiles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths := make([]string, 0, len(l.files))
	for p := range l.files {
		paths = append(paths, p)
	}
	// Most recently touched first; ties broken by path for stability.
	sort.Slice(paths, func(i, j int) bool {
		ti, tj := l.files[paths[i]], l.files[paths[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return paths[i] < paths[j]
	})
	return paths
}

// BuildContextPrompt prefixes a new prompt with the trailing
// conversation so the agent keeps continuity across turns. With no
// history the prompt passes through unchanged.
func (l *Log) BuildContextPrompt(prompt string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.messages) == 0 {
		return prompt
	}

	tail := l.messages
	if len(tail) > contextWindow {
		tail = tail[len(tail)-contextWindow:]
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range tail {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString("\nUser: ")
	b.WriteString(prompt)
	b.WriteByte('\n')
	return b.String()
}

// Messages returns a copy of the full conversation, oldest first.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

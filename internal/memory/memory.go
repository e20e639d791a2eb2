// Package memory is the client for the per-repository knowledge store.
//
// The store is an append-only JSONL file of entity and relation records,
// one file per repository. Records are never rewritten; a stale fact is
// superseded by appending a new observation that carries the
// SupersededMarker prefix and references the old one.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/logging"
)

// SupersededMarker prefixes an observation that replaces an earlier one.
// Callers write it; the store never deletes the superseded record.
const SupersededMarker = "[SUPERSEDED]"

const storeFile = "memory.jsonl"

// Entity is a named node in the knowledge graph with an ordered list of
// observations.
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// Relation is a directed, typed edge between two entities.
type Relation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// record is the on-disk line format shared by entities and relations.
type record struct {
	Type string `json:"type"`

	Name         string   `json:"name,omitempty"`
	EntityType   string   `json:"entityType,omitempty"`
	Observations []string `json:"observations,omitempty"`

	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	RelationType string `json:"relationType,omitempty"`
}

// Filter selects entities by type, name glob pattern, or both. Zero
// value matches everything.
type Filter struct {
	EntityType  string
	NamePattern string
}

func (f Filter) matches(e *Entity) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.NamePattern != "" {
		ok, err := path.Match(f.NamePattern, e.Name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Store manages one JSONL file per repository under a base directory.
// Safe for concurrent use by multiple sessions.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore returns a store rooted at baseDir, typically Paths.MemoryDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Path returns the store file for a repository.
func (s *Store) Path(repo config.RepoRef) (string, error) {
	dir, err := config.RepoPath(s.baseDir, repo.Owner, repo.Name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, storeFile), nil
}

// EnsureSeeded creates the fixed seed graph for a repository the first
// time it is seen. Emptiness is detected by absence of the store file,
// and creation is exclusive, so concurrent callers seed at most once.
// Returns true when this call performed the seeding.
func (s *Store) EnsureSeeded(repo config.RepoRef) (bool, error) {
	path, err := s.Path(repo)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("creating memory dir for %s: %w", repo, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating memory store for %s: %w", repo, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range seedRecords(repo) {
		line, err := json.Marshal(rec)
		if err != nil {
			return false, err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return false, fmt.Errorf("writing seed for %s: %w", repo, err)
	}

	logging.Info("memory store seeded", "repo", repo.String())
	return true, nil
}

// AppendObservation appends one observation to an entity. The entity
// does not need a prior record; merging happens at read time.
func (s *Store) AppendObservation(repo config.RepoRef, entityName, text string) error {
	rec := record{Type: "entity", Name: entityName, Observations: []string{text}}
	return s.append(repo, rec)
}

// AddRelation appends a relation record.
func (s *Store) AddRelation(repo config.RepoRef, rel Relation) error {
	rec := record{Type: "relation", From: rel.From, To: rel.To, RelationType: rel.RelationType}
	return s.append(repo, rec)
}

func (s *Store) append(repo config.RepoRef, rec record) error {
	path, err := s.Path(repo)
	if err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening memory store for %s: %w", repo, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to memory store for %s: %w", repo, err)
	}
	return nil
}

// Query returns the entities matching the filter, with observations from
// all records of the same name merged in file order.
func (s *Store) Query(repo config.RepoRef, f Filter) ([]Entity, error) {
	entities, _, err := s.load(repo)
	if err != nil {
		return nil, err
	}

	var out []Entity
	for _, e := range entities {
		if f.matches(e) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// Relations returns all relation records for a repository.
func (s *Store) Relations(repo config.RepoRef) ([]Relation, error) {
	_, relations, err := s.load(repo)
	return relations, err
}

func (s *Store) load(repo config.RepoRef) ([]*Entity, []Relation, error) {
	path, err := s.Path(repo)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("opening memory store for %s: %w", repo, err)
	}
	defer f.Close()

	byName := make(map[string]*Entity)
	var order []*Entity
	var relations []Relation

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logging.Warn("skipping malformed memory record", "repo", repo.String(), "error", err)
			continue
		}
		switch rec.Type {
		case "entity":
			e, ok := byName[rec.Name]
			if !ok {
				e = &Entity{Name: rec.Name, EntityType: rec.EntityType}
				byName[rec.Name] = e
				order = append(order, e)
			}
			if e.EntityType == "" {
				e.EntityType = rec.EntityType
			}
			e.Observations = append(e.Observations, rec.Observations...)
		case "relation":
			relations = append(relations, Relation{From: rec.From, To: rec.To, RelationType: rec.RelationType})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading memory store for %s: %w", repo, err)
	}

	return order, relations, nil
}

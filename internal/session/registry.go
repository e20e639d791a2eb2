package session

import (
	"sort"
	"sync"

	"github.com/harvest-engineering/harvest-executor/internal/errors"
)

// Registry maps session ids to live Managers. It is the only state
// shared across sessions and is always injected, never a global.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

func (r *Registry) add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.managers[m.sess.ID]; dup {
		return errors.ValidationError("duplicate session id " + m.sess.ID)
	}
	r.managers[m.sess.ID] = m
	return nil
}

// Get returns the live Manager for a session id.
func (r *Registry) Get(id string) (*Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return m, nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, id)
}

// List returns the live Managers ordered by creation time.
func (r *Registry) List() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].sess.CreatedAt.Before(out[j].sess.CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

package memory

import (
	"context"
	"sort"
	"sync"

	"farmtrace.org/internal/access"
)

// RoleStore is an in-memory access.RoleStore.
type RoleStore struct {
	mu   sync.RWMutex
	defs map[access.RoleName]access.Definition
}

func NewRoleStore() *RoleStore {
	return &RoleStore{defs: make(map[access.RoleName]access.Definition)}
}

// Seed inserts only missing definitions so operator edits survive restarts.
func (s *RoleStore) Seed(ctx context.Context, defs []access.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, def := range defs {
		if _, ok := s.defs[def.Name]; !ok {
			s.defs[def.Name] = copyDefinition(def)
		}
	}
	return nil
}

func (s *RoleStore) List(ctx context.Context) ([]access.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]access.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, copyDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	return out, nil
}

func (s *RoleStore) Save(ctx context.Context, def access.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs[def.Name] = copyDefinition(def)
	return nil
}

func copyDefinition(d access.Definition) access.Definition {
	d.Permissions = append([]access.Permission(nil), d.Permissions...)
	d.Excluded = append([]access.Permission(nil), d.Excluded...)
	d.ConflictsWith = append([]access.RoleName(nil), d.ConflictsWith...)
	if d.RateLimits != nil {
		limits := make(map[string]access.ActionLimit, len(d.RateLimits))
		for k, v := range d.RateLimits {
			limits[k] = v
		}
		d.RateLimits = limits
	}
	return d
}

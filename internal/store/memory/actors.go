// Package memory holds mutex-guarded in-memory store implementations used in
// development mode and by concurrency tests. Semantics match the Postgres
// stores, including version-conditioned actor updates and the atomic window
// increment.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"farmtrace.org/internal/access"
)

// ActorStore is an in-memory access.ActorStore.
type ActorStore struct {
	mu       sync.RWMutex
	actors   map[string]access.Actor
	byWallet map[string]string
	history  map[string][]access.RoleChange
}

func NewActorStore() *ActorStore {
	return &ActorStore{
		actors:   make(map[string]access.Actor),
		byWallet: make(map[string]string),
		history:  make(map[string][]access.RoleChange),
	}
}

func (s *ActorStore) Create(ctx context.Context, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actors[actor.ID]; ok {
		return fmt.Errorf("%w: actor %s", access.ErrAlreadyExists, actor.ID)
	}
	wallet := strings.ToLower(actor.WalletAddress)
	if _, ok := s.byWallet[wallet]; ok {
		return fmt.Errorf("%w: wallet %s", access.ErrAlreadyExists, actor.WalletAddress)
	}
	actor.Version = 1
	s.actors[actor.ID] = copyActor(actor)
	s.byWallet[wallet] = actor.ID
	return nil
}

func (s *ActorStore) Find(ctx context.Context, id string) (access.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actor, ok := s.actors[id]
	if !ok {
		return access.Actor{}, fmt.Errorf("%w: actor %s", access.ErrNotFound, id)
	}
	return copyActor(actor), nil
}

func (s *ActorStore) FindByWallet(ctx context.Context, walletAddress string) (access.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byWallet[strings.ToLower(walletAddress)]
	if !ok {
		return access.Actor{}, fmt.Errorf("%w: wallet %s", access.ErrNotFound, walletAddress)
	}
	return copyActor(s.actors[id]), nil
}

// Update applies the new state only when the stored version still matches, and
// appends the history entry in the same critical section.
func (s *ActorStore) Update(ctx context.Context, actor access.Actor, expectedVersion int64, history *access.RoleChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.actors[actor.ID]
	if !ok {
		return fmt.Errorf("%w: actor %s", access.ErrNotFound, actor.ID)
	}
	if current.Version != expectedVersion {
		return access.ErrVersionConflict
	}
	actor.Version = expectedVersion + 1
	s.actors[actor.ID] = copyActor(actor)
	if history != nil {
		s.history[actor.ID] = append(s.history[actor.ID], *history)
	}
	return nil
}

func (s *ActorStore) History(ctx context.Context, actorID string, limit int) ([]access.RoleChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[actorID]
	out := make([]access.RoleChange, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func copyActor(a access.Actor) access.Actor {
	a.Roles = append([]access.RoleName(nil), a.Roles...)
	a.Overrides = append([]access.Permission(nil), a.Overrides...)
	return a
}

package access

import "context"

// ActorStore persists actor authorization state. Implementations must apply
// Update atomically: the new state and the optional history entry land
// together only when the stored version still equals expectedVersion,
// otherwise ErrVersionConflict is returned and the caller re-reads. This is
// what serializes concurrent grant/revoke on the same actor.
type ActorStore interface {
	Create(ctx context.Context, actor Actor) error
	Find(ctx context.Context, id string) (Actor, error)
	FindByWallet(ctx context.Context, walletAddress string) (Actor, error)
	Update(ctx context.Context, actor Actor, expectedVersion int64, history *RoleChange) error
	History(ctx context.Context, actorID string, limit int) ([]RoleChange, error)
}

// RoleStore persists role definitions. Seed upserts the builtin hierarchy at
// bootstrap without clobbering operator edits; Save replaces one definition.
type RoleStore interface {
	Seed(ctx context.Context, defs []Definition) error
	List(ctx context.Context) ([]Definition, error)
	Save(ctx context.Context, def Definition) error
}

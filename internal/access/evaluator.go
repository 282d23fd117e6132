package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"farmtrace.org/internal/obs"
)

// updateRetries bounds the re-read loop on version conflicts. Each retry
// re-runs every precondition against the fresh state.
const updateRetries = 3

// Decision is the outcome of an authorization check with enough structure to
// render an actionable denial without leaking other actors' data.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Permission string `json:"permission,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Evaluator answers allow/deny questions and applies role mutations. It holds
// no locks of its own; all read-modify-write goes through the store's atomic
// conditional update. Lookups that cannot complete fail closed.
type Evaluator struct {
	registry   *Registry
	actors     ActorStore
	reconciler *Reconciler
	now        func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithReconciler attaches the best-effort external role sync.
func WithReconciler(r *Reconciler) EvaluatorOption {
	return func(e *Evaluator) { e.reconciler = r }
}

// NewEvaluator constructs an Evaluator over the registry and actor store.
func NewEvaluator(registry *Registry, actors ActorStore, opts ...EvaluatorOption) (*Evaluator, error) {
	if registry == nil {
		return nil, errors.New("access: registry is required")
	}
	if actors == nil {
		return nil, errors.New("access: actor store is required")
	}
	e := &Evaluator{registry: registry, actors: actors, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry exposes the role registry for listings.
func (e *Evaluator) Registry() *Registry { return e.registry }

// Register creates an actor with the default unprivileged role.
func (e *Evaluator) Register(ctx context.Context, walletAddress string) (Actor, error) {
	walletAddress = strings.TrimSpace(walletAddress)
	if walletAddress == "" {
		return Actor{}, fmt.Errorf("%w: wallet_address is required", ErrInvalidArgument)
	}
	actor := NewActor(walletAddress, e.now())
	if err := e.actors.Create(ctx, actor); err != nil {
		return Actor{}, storeErr(err)
	}
	return actor, nil
}

// Actor loads an actor and expires any elapsed suspension or lock. The
// cleared state is persisted best-effort; a racing writer just means the
// normalization already happened.
func (e *Evaluator) Actor(ctx context.Context, actorID string) (Actor, error) {
	actor, err := e.actors.Find(ctx, actorID)
	if err != nil {
		return Actor{}, storeErr(err)
	}
	normalized, changed := actor.Normalized(e.now())
	if changed {
		if err := e.actors.Update(ctx, normalized, actor.Version, nil); err == nil {
			normalized.Version++
		}
	}
	return normalized, nil
}

// ActorByWallet loads an actor by external identity.
func (e *Evaluator) ActorByWallet(ctx context.Context, walletAddress string) (Actor, error) {
	actor, err := e.actors.FindByWallet(ctx, walletAddress)
	if err != nil {
		return Actor{}, storeErr(err)
	}
	normalized, _ := actor.Normalized(e.now())
	return normalized, nil
}

// History returns the actor's role-change log, newest first.
func (e *Evaluator) History(ctx context.Context, actorID string, limit int) ([]RoleChange, error) {
	changes, err := e.actors.History(ctx, actorID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return changes, nil
}

// ResolvePermissions computes the actor's full permission set: the union of
// every held role's effective set plus ad-hoc overrides. Overrides are never
// subject to role-level exclusions.
func (e *Evaluator) ResolvePermissions(ctx context.Context, actorID string) (map[string]struct{}, error) {
	actor, err := e.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, role := range actor.Roles {
		effective, err := e.registry.Effective(role)
		if err != nil {
			// A held role missing from the registry shrinks the set; make
			// that visible instead of failing the whole resolution.
			obs.LogRequest(map[string]any{
				"level":    "warn",
				"msg":      "skipping unknown role during permission resolution",
				"actor_id": actor.ID,
				"role":     string(role),
			})
			continue
		}
		for p := range effective {
			set[p] = struct{}{}
		}
	}
	for _, p := range actor.Overrides {
		for _, exact := range e.registry.Catalog().Expand(p) {
			set[exact.String()] = struct{}{}
		}
	}
	return set, nil
}

// HasPermission is the hot-path check: overrides first, then per-role grant
// tests, without materializing the resolved set.
func (e *Evaluator) HasPermission(ctx context.Context, actorID, permission string) (bool, error) {
	perm, err := ParsePermission(permission)
	if err != nil {
		return false, err
	}
	if perm.Kind != PermExact {
		return false, fmt.Errorf("%w: permission check requires an exact permission", ErrInvalidArgument)
	}
	actor, err := e.Actor(ctx, actorID)
	if err != nil {
		return false, err
	}
	return e.actorGrants(actor, perm), nil
}

func (e *Evaluator) actorGrants(actor Actor, perm Permission) bool {
	for _, o := range actor.Overrides {
		if o.Covers(perm) {
			return true
		}
	}
	for _, role := range actor.Roles {
		if ok, err := e.registry.RoleGrants(role, perm); err == nil && ok {
			return true
		}
	}
	return false
}

// HasRole reports whether the actor holds the named role.
func (e *Evaluator) HasRole(ctx context.Context, actorID string, role RoleName) (bool, error) {
	actor, err := e.Actor(ctx, actorID)
	if err != nil {
		return false, err
	}
	return actor.HoldsRole(role), nil
}

// Authorize is the enforcing check: account status gates everything, then the
// permission test. A false Decision with nil error is a deny the caller must
// act on (and audit); errors are infra or validation failures, which also
// deny.
func (e *Evaluator) Authorize(ctx context.Context, actorID, permission string) (Decision, error) {
	perm, err := ParsePermission(permission)
	if err != nil {
		return Decision{Permission: permission}, err
	}
	if perm.Kind != PermExact {
		return Decision{Permission: permission}, fmt.Errorf("%w: authorization requires an exact permission", ErrInvalidArgument)
	}
	actor, err := e.Actor(ctx, actorID)
	if err != nil {
		return Decision{Permission: permission}, err
	}
	switch actor.Status {
	case StatusSuspended:
		return Decision{Permission: permission, Reason: "account suspended: " + actor.SuspendReason}, nil
	case StatusLocked:
		return Decision{Permission: permission, Reason: "account locked until " + actor.LockedUntil.UTC().Format(time.RFC3339)}, nil
	}
	if !e.actorGrants(actor, perm) {
		return Decision{Permission: permission, Reason: "missing permission " + permission}, nil
	}
	return Decision{Allowed: true, Permission: permission}, nil
}

// OwnsResource reports whether the actor is the owner referenced by a domain
// resource. Domain handlers supply the owner id from their own lookup table.
func (e *Evaluator) OwnsResource(actor Actor, ownerID string) bool {
	if ownerID == "" {
		return false
	}
	return actor.ID == ownerID || strings.EqualFold(actor.WalletAddress, ownerID)
}

// GrantRole grants role to the target on behalf of grantor. Hierarchy,
// conflict and KYC/verification preconditions all run before the single
// atomic mutation, so a failed check never leaves partial state.
func (e *Evaluator) GrantRole(ctx context.Context, grantorID, targetID string, role RoleName, reason string) (Actor, error) {
	def, err := e.requireRoleChange(ctx, grantorID, role, reason)
	if err != nil {
		return Actor{}, err
	}
	for attempt := 0; attempt < updateRetries; attempt++ {
		target, err := e.Actor(ctx, targetID)
		if err != nil {
			return Actor{}, err
		}
		if def.RequiresKYC && !target.KYCApproved {
			return Actor{}, &PreconditionError{Requirement: fmt.Sprintf("role %s requires KYC approval", role)}
		}
		if def.RequiresVerification && !target.Verified {
			return Actor{}, &PreconditionError{Requirement: fmt.Sprintf("role %s requires a verified account", role)}
		}
		next, entry, err := target.WithRoleGranted(e.registry, role, grantorID, reason, e.now())
		if err != nil {
			return Actor{}, err
		}
		err = e.actors.Update(ctx, next, target.Version, &entry)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Actor{}, storeErr(err)
		}
		next.Version = target.Version + 1
		e.notifySync(next)
		return next, nil
	}
	return Actor{}, fmt.Errorf("%w: concurrent actor updates", ErrUnavailable)
}

// RevokeRole removes role from the target. Revoking one's own top-privilege
// role is always denied.
func (e *Evaluator) RevokeRole(ctx context.Context, grantorID, targetID string, role RoleName, reason string) (Actor, error) {
	if grantorID == targetID && role == RoleSuperAdmin {
		return Actor{}, fmt.Errorf("%w: cannot revoke own %s role", ErrForbidden, RoleSuperAdmin)
	}
	if _, err := e.requireRoleChange(ctx, grantorID, role, reason); err != nil {
		return Actor{}, err
	}
	for attempt := 0; attempt < updateRetries; attempt++ {
		target, err := e.Actor(ctx, targetID)
		if err != nil {
			return Actor{}, err
		}
		next, entry, err := target.WithRoleRevoked(e.registry, role, grantorID, reason, e.now())
		if err != nil {
			return Actor{}, err
		}
		err = e.actors.Update(ctx, next, target.Version, &entry)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Actor{}, storeErr(err)
		}
		next.Version = target.Version + 1
		e.notifySync(next)
		return next, nil
	}
	return Actor{}, fmt.Errorf("%w: concurrent actor updates", ErrUnavailable)
}

// requireRoleChange validates the shared grant/revoke preconditions: a
// mandatory reason, an active role, and the hierarchy rule (top role, or a
// primary-role level strictly above the role being changed).
func (e *Evaluator) requireRoleChange(ctx context.Context, grantorID string, role RoleName, reason string) (Definition, error) {
	if strings.TrimSpace(reason) == "" {
		return Definition{}, fmt.Errorf("%w: a reason is required for role changes", ErrInvalidArgument)
	}
	def, err := e.registry.Get(role)
	if err != nil {
		return Definition{}, err
	}
	if !def.Active {
		return Definition{}, fmt.Errorf("%w: role %s is deactivated", ErrInvalidArgument, role)
	}
	grantor, err := e.Actor(ctx, grantorID)
	if err != nil {
		return Definition{}, err
	}
	if grantor.Status != StatusActive {
		return Definition{}, fmt.Errorf("%w: grantor account is %s", ErrForbidden, grantor.Status)
	}
	if grantor.HoldsRole(RoleSuperAdmin) {
		return def, nil
	}
	grantorDef, err := e.registry.Get(grantor.PrimaryRole)
	if err != nil {
		return Definition{}, err
	}
	if grantorDef.Level <= def.Level {
		return Definition{}, &PrivilegeError{ActorLevel: grantorDef.Level, RequiredLevel: def.Level}
	}
	return def, nil
}

// Suspend sets a time-bounded suspension on the target account.
func (e *Evaluator) Suspend(ctx context.Context, targetID, reason string, until time.Time) (Actor, error) {
	if strings.TrimSpace(reason) == "" {
		return Actor{}, fmt.Errorf("%w: a reason is required for suspension", ErrInvalidArgument)
	}
	return e.mutate(ctx, targetID, func(a Actor) (Actor, error) {
		a.Status = StatusSuspended
		a.SuspendReason = reason
		a.SuspendedUntil = until.UTC()
		a.UpdatedAt = e.now().UTC()
		return a, nil
	})
}

// Reinstate clears a suspension or lock.
func (e *Evaluator) Reinstate(ctx context.Context, targetID string) (Actor, error) {
	return e.mutate(ctx, targetID, func(a Actor) (Actor, error) {
		a.Status = StatusActive
		a.SuspendReason = ""
		a.SuspendedUntil = time.Time{}
		a.LockedUntil = time.Time{}
		a.UpdatedAt = e.now().UTC()
		return a, nil
	})
}

// Lock locks the account until the deadline, used after repeated
// authentication failures.
func (e *Evaluator) Lock(ctx context.Context, targetID string, until time.Time) (Actor, error) {
	return e.mutate(ctx, targetID, func(a Actor) (Actor, error) {
		a.Status = StatusLocked
		a.LockedUntil = until.UTC()
		a.UpdatedAt = e.now().UTC()
		return a, nil
	})
}

// ApproveKYC marks the target's KYC submission as approved.
func (e *Evaluator) ApproveKYC(ctx context.Context, targetID string) (Actor, error) {
	return e.mutate(ctx, targetID, func(a Actor) (Actor, error) {
		a.KYCApproved = true
		a.UpdatedAt = e.now().UTC()
		return a, nil
	})
}

// MarkVerified marks the target account as identity-verified.
func (e *Evaluator) MarkVerified(ctx context.Context, targetID string) (Actor, error) {
	return e.mutate(ctx, targetID, func(a Actor) (Actor, error) {
		a.Verified = true
		a.UpdatedAt = e.now().UTC()
		return a, nil
	})
}

// GrantOverride layers an ad-hoc permission onto the actor, outside any role.
func (e *Evaluator) GrantOverride(ctx context.Context, targetID, permission string) (Actor, error) {
	perm, err := ParsePermission(permission)
	if err != nil {
		return Actor{}, err
	}
	if perm.Kind == PermExact && !e.registry.Catalog().Contains(perm) {
		return Actor{}, fmt.Errorf("%w: permission %s", ErrNotFound, permission)
	}
	return e.mutate(ctx, targetID, func(a Actor) (Actor, error) {
		for _, o := range a.Overrides {
			if o == perm {
				return a, nil
			}
		}
		a.Overrides = append(append([]Permission{}, a.Overrides...), perm)
		a.UpdatedAt = e.now().UTC()
		return a, nil
	})
}

func (e *Evaluator) mutate(ctx context.Context, actorID string, fn func(Actor) (Actor, error)) (Actor, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		actor, err := e.Actor(ctx, actorID)
		if err != nil {
			return Actor{}, err
		}
		next, err := fn(actor)
		if err != nil {
			return Actor{}, err
		}
		err = e.actors.Update(ctx, next, actor.Version, nil)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Actor{}, storeErr(err)
		}
		next.Version = actor.Version + 1
		return next, nil
	}
	return Actor{}, fmt.Errorf("%w: concurrent actor updates", ErrUnavailable)
}

func (e *Evaluator) notifySync(actor Actor) {
	if e.reconciler != nil {
		e.reconciler.Enqueue(actor.ID, actor.Roles)
	}
}

// SortedPermissions renders a permission set as a stable slice for responses.
func SortedPermissions(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// storeErr maps store failures onto the engine taxonomy: known sentinels pass
// through, anything else means the backing store is unreachable and the
// caller must fail closed.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

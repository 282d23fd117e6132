package access

import (
	"fmt"
	"time"

	"farmtrace.org/internal/ids"
)

// ActorStatus is the account state machine: suspensions and locks are
// time-bounded and self-expire when the actor is read.
type ActorStatus string

const (
	StatusActive    ActorStatus = "active"
	StatusSuspended ActorStatus = "suspended"
	StatusLocked    ActorStatus = "locked"
)

// Actor is an identified participant with resolved authorization state.
type Actor struct {
	ID             string       `json:"id"`
	WalletAddress  string       `json:"wallet_address"`
	Roles          []RoleName   `json:"roles"`
	PrimaryRole    RoleName     `json:"primary_role"`
	Overrides      []Permission `json:"-"`
	Status         ActorStatus  `json:"status"`
	SuspendReason  string       `json:"suspend_reason,omitempty"`
	SuspendedUntil time.Time    `json:"suspended_until,omitempty"`
	LockedUntil    time.Time    `json:"locked_until,omitempty"`
	Verified       bool         `json:"verified"`
	KYCApproved    bool         `json:"kyc_approved"`
	Version        int64        `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RoleChange is one immutable role-history entry.
type RoleChange struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Role       RoleName  `json:"role"`
	Change     string    `json:"change"`
	ChangedBy  string    `json:"changed_by"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	ChangeGrant  = "grant"
	ChangeRevoke = "revoke"
)

// NewActor creates a registered actor holding the default unprivileged role.
func NewActor(walletAddress string, now time.Time) Actor {
	return Actor{
		ID:            ids.New(),
		WalletAddress: walletAddress,
		Roles:         []RoleName{RoleConsumer},
		PrimaryRole:   RoleConsumer,
		Status:        StatusActive,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

// HoldsRole reports whether the actor holds the role.
func (a Actor) HoldsRole(role RoleName) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Normalized expires a suspension or lock whose deadline has passed. Callers
// persist the cleared state best-effort; the returned bool reports whether
// anything changed.
func (a Actor) Normalized(now time.Time) (Actor, bool) {
	switch a.Status {
	case StatusSuspended:
		if !a.SuspendedUntil.IsZero() && now.After(a.SuspendedUntil) {
			a.Status = StatusActive
			a.SuspendReason = ""
			a.SuspendedUntil = time.Time{}
			return a, true
		}
	case StatusLocked:
		if !a.LockedUntil.IsZero() && now.After(a.LockedUntil) {
			a.Status = StatusActive
			a.LockedUntil = time.Time{}
			return a, true
		}
	}
	return a, false
}

// WithRoleGranted returns the actor state after granting role, plus the
// history entry to append. It is a pure transition: persistence happens in a
// single atomic store call at the call site. Conflict and duplicate checks
// run here so a failed precondition never produces a partial state change.
func (a Actor) WithRoleGranted(reg *Registry, role RoleName, changedBy, reason string, now time.Time) (Actor, RoleChange, error) {
	if a.HoldsRole(role) {
		return Actor{}, RoleChange{}, fmt.Errorf("%w: actor already holds role %s", ErrInvalidArgument, role)
	}
	if pairs := reg.Conflicts(a.Roles, role); len(pairs) > 0 {
		return Actor{}, RoleChange{}, &RoleConflictError{Conflicts: pairs}
	}
	roles := make([]RoleName, len(a.Roles), len(a.Roles)+1)
	copy(roles, a.Roles)
	a.Roles = append(roles, role)
	a.PrimaryRole = highestRole(reg, a.Roles)
	a.UpdatedAt = now.UTC()
	entry := RoleChange{
		ID:         ids.New(),
		ActorID:    a.ID,
		Role:       role,
		Change:     ChangeGrant,
		ChangedBy:  changedBy,
		Reason:     reason,
		OccurredAt: now.UTC(),
	}
	return a, entry, nil
}

// WithRoleRevoked returns the actor state after revoking role, plus the
// history entry. The role set must stay non-empty: revoking the last role
// reverts the actor to the default unprivileged role.
func (a Actor) WithRoleRevoked(reg *Registry, role RoleName, changedBy, reason string, now time.Time) (Actor, RoleChange, error) {
	if !a.HoldsRole(role) {
		return Actor{}, RoleChange{}, fmt.Errorf("%w: actor does not hold role %s", ErrNotFound, role)
	}
	roles := make([]RoleName, 0, len(a.Roles))
	for _, r := range a.Roles {
		if r != role {
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		roles = []RoleName{RoleConsumer}
	}
	a.Roles = roles
	a.PrimaryRole = highestRole(reg, a.Roles)
	a.UpdatedAt = now.UTC()
	entry := RoleChange{
		ID:         ids.New(),
		ActorID:    a.ID,
		Role:       role,
		Change:     ChangeRevoke,
		ChangedBy:  changedBy,
		Reason:     reason,
		OccurredAt: now.UTC(),
	}
	return a, entry, nil
}

// highestRole picks the highest-level held role; it becomes the primary role
// used for default rate limits.
func highestRole(reg *Registry, roles []RoleName) RoleName {
	best := roles[0]
	bestLevel := -1
	for _, r := range roles {
		if d, err := reg.Get(r); err == nil && d.Level > bestLevel {
			best = r
			bestLevel = d.Level
		}
	}
	return best
}

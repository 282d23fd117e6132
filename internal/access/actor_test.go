package access

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizedExpiresSuspension(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	actor := NewActor("0xabc", now)
	actor.Status = StatusSuspended
	actor.SuspendReason = "spam"
	actor.SuspendedUntil = now.Add(time.Hour)

	if _, changed := actor.Normalized(now.Add(30 * time.Minute)); changed {
		t.Fatal("suspension should still be in force")
	}

	normalized, changed := actor.Normalized(now.Add(2 * time.Hour))
	if !changed || normalized.Status != StatusActive {
		t.Fatalf("expired suspension not cleared: %+v", normalized)
	}
	if normalized.SuspendReason != "" || !normalized.SuspendedUntil.IsZero() {
		t.Fatal("suspension fields not reset")
	}
}

func TestNormalizedExpiresLock(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	actor := NewActor("0xabc", now)
	actor.Status = StatusLocked
	actor.LockedUntil = now.Add(time.Minute)

	normalized, changed := actor.Normalized(now.Add(2 * time.Minute))
	if !changed || normalized.Status != StatusActive || !normalized.LockedUntil.IsZero() {
		t.Fatalf("expired lock not cleared: %+v", normalized)
	}

	// Indefinite locks never self-expire.
	actor.LockedUntil = time.Time{}
	if _, changed := actor.Normalized(now.Add(24 * time.Hour)); changed {
		t.Fatal("indefinite lock should not expire")
	}
}

func TestWithRoleGranted(t *testing.T) {
	reg := builtinRegistry(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	actor := NewActor("0xabc", now)
	actor.KYCApproved = true

	next, entry, err := actor.WithRoleGranted(reg, RoleFarmer, "admin-1", "onboarding", now)
	if err != nil {
		t.Fatalf("WithRoleGranted: %v", err)
	}
	if !next.HoldsRole(RoleFarmer) || next.PrimaryRole != RoleFarmer {
		t.Fatalf("unexpected state after grant: roles=%v primary=%s", next.Roles, next.PrimaryRole)
	}
	if entry.Change != ChangeGrant || entry.Role != RoleFarmer || entry.ChangedBy != "admin-1" {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	// The receiver is untouched.
	if actor.HoldsRole(RoleFarmer) {
		t.Fatal("grant mutated the original actor")
	}

	if _, _, err := next.WithRoleGranted(reg, RoleFarmer, "admin-1", "again", now); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("duplicate grant: expected invalid argument, got %v", err)
	}

	var conflictErr *RoleConflictError
	if _, _, err := next.WithRoleGranted(reg, RoleDistributor, "admin-1", "expand", now); !errors.As(err, &conflictErr) {
		t.Fatalf("conflicting grant: expected RoleConflictError, got %v", err)
	}
}

func TestWithRoleRevokedLastRoleDefaults(t *testing.T) {
	reg := builtinRegistry(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	actor := NewActor("0xabc", now)
	actor.Roles = []RoleName{RoleFarmer}
	actor.PrimaryRole = RoleFarmer

	next, entry, err := actor.WithRoleRevoked(reg, RoleFarmer, "admin-1", "offboarding", now)
	if err != nil {
		t.Fatalf("WithRoleRevoked: %v", err)
	}
	if len(next.Roles) != 1 || next.Roles[0] != RoleConsumer || next.PrimaryRole != RoleConsumer {
		t.Fatalf("revoking the last role should leave the default: %v", next.Roles)
	}
	if entry.Change != ChangeRevoke {
		t.Fatalf("unexpected history entry: %+v", entry)
	}

	if _, _, err := actor.WithRoleRevoked(reg, RoleAdmin, "admin-1", "noop", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoking an unheld role: expected not found, got %v", err)
	}
}

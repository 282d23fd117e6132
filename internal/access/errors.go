package access

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("access: not found")
	ErrAlreadyExists         = errors.New("access: already exists")
	ErrVersionConflict       = errors.New("access: version conflict")
	ErrInvalidArgument       = errors.New("access: invalid argument")
	ErrInsufficientPrivilege = errors.New("access: insufficient privilege")
	ErrRoleConflict          = errors.New("access: role conflict")
	ErrPreconditionFailed    = errors.New("access: precondition failed")
	ErrForbidden             = errors.New("access: forbidden")
	ErrUnavailable           = errors.New("access: service unavailable")
)

// PrivilegeError reports a role-hierarchy violation with both levels so
// callers can render an actionable denial.
type PrivilegeError struct {
	ActorLevel    int
	RequiredLevel int
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("access: insufficient privilege: level %d, required above %d", e.ActorLevel, e.RequiredLevel)
}

func (e *PrivilegeError) Unwrap() error { return ErrInsufficientPrivilege }

// RoleConflictError carries the mutually exclusive role pairs that blocked a
// grant.
type RoleConflictError struct {
	Conflicts [][2]RoleName
}

func (e *RoleConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "access: role conflict"
	}
	pairs := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		pairs = append(pairs, string(c[0])+"/"+string(c[1]))
	}
	return fmt.Sprintf("access: role conflict: %v", pairs)
}

func (e *RoleConflictError) Unwrap() error { return ErrRoleConflict }

// PreconditionError names the unmet requirement (KYC approval or a minimum
// verification level) that blocked a role change.
type PreconditionError struct {
	Requirement string
}

func (e *PreconditionError) Error() string {
	return "access: precondition failed: " + e.Requirement
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

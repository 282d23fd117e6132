package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RoleName is one of the closed set of platform roles.
type RoleName string

const (
	RoleSuperAdmin  RoleName = "SUPER_ADMIN"
	RoleAdmin       RoleName = "ADMIN"
	RoleFarmer      RoleName = "FARMER"
	RoleDistributor RoleName = "DISTRIBUTOR"
	RoleRetailer    RoleName = "RETAILER"
	RoleConsumer    RoleName = "CONSUMER"
)

// ParseRoleName normalizes and validates a role name.
func ParseRoleName(s string) (RoleName, error) {
	name := RoleName(strings.ToUpper(strings.TrimSpace(s)))
	switch name {
	case RoleSuperAdmin, RoleAdmin, RoleFarmer, RoleDistributor, RoleRetailer, RoleConsumer:
		return name, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrNotFound, s)
}

// ActionLimit is a per-action rate ceiling carried by a role definition. Per
// is a window type name understood by the rate limit tracker.
type ActionLimit struct {
	Limit int    `json:"limit"`
	Per   string `json:"per"`
}

// Definition is a role: a named permission bundle with a hierarchy level,
// explicit exclusions that override wildcard grants, verification and KYC
// prerequisites, mutual-exclusion rules, and default rate ceilings.
type Definition struct {
	Name                 RoleName
	Level                int
	Description          string
	Permissions          []Permission
	Excluded             []Permission
	RateLimits           map[string]ActionLimit
	RequiresVerification bool
	RequiresKYC          bool
	Exclusive            bool
	ConflictsWith        []RoleName
	Active               bool
}

func (d Definition) conflictsWith(other RoleName) bool {
	if d.Exclusive {
		return true
	}
	for _, c := range d.ConflictsWith {
		if c == other {
			return true
		}
	}
	return false
}

// Registry holds the active role definitions and resolves them against the
// permission catalog. Definitions are seeded at bootstrap and mutated only by
// privileged operations; deactivation is the only removal.
type Registry struct {
	mu      sync.RWMutex
	catalog *Catalog
	defs    map[RoleName]Definition
}

// NewRegistry validates definitions against the catalog: every exact
// permission a role grants or excludes must exist.
func NewRegistry(catalog *Catalog, defs []Definition) (*Registry, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrInvalidArgument)
	}
	r := &Registry{catalog: catalog, defs: make(map[RoleName]Definition, len(defs))}
	for _, d := range defs {
		if err := r.validate(d); err != nil {
			return nil, err
		}
		r.defs[d.Name] = d
	}
	return r, nil
}

func (r *Registry) validate(d Definition) error {
	if d.Name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidArgument)
	}
	for _, p := range append(append([]Permission{}, d.Permissions...), d.Excluded...) {
		if p.Kind == PermExact && !r.catalog.Contains(p) {
			return fmt.Errorf("%w: role %s references unknown permission %q", ErrNotFound, d.Name, p)
		}
	}
	return nil
}

// Catalog returns the permission catalog the registry resolves against.
func (r *Registry) Catalog() *Catalog { return r.catalog }

// Get returns the definition for a role name.
func (r *Registry) Get(name RoleName) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return d, nil
}

// List returns all definitions ordered by descending hierarchy level.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Save validates and replaces one definition. Used by privileged
// permission-management operations; roles are never removed, only
// deactivated via Active=false.
func (r *Registry) Save(d Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.validate(d); err != nil {
		return err
	}
	r.defs[d.Name] = d
	return nil
}

// Effective computes a role's effective permission set: wildcard grants
// expanded against the catalog, minus the role's explicit exclusions. The
// result is an order-independent set keyed by permission string.
func (r *Registry) Effective(name RoleName) (map[string]struct{}, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, p := range d.Permissions {
		for _, exact := range r.catalog.Expand(p) {
			set[exact.String()] = struct{}{}
		}
	}
	// Exclusions always win over wildcard grants.
	for _, excl := range d.Excluded {
		for _, exact := range r.catalog.Expand(excl) {
			delete(set, exact.String())
		}
	}
	return set, nil
}

// RoleGrants reports whether the role grants the exact permission, honoring
// exclusions, without materializing the full effective set.
func (r *Registry) RoleGrants(name RoleName, perm Permission) (bool, error) {
	d, err := r.Get(name)
	if err != nil {
		return false, err
	}
	for _, excl := range d.Excluded {
		if excl.Covers(perm) {
			return false, nil
		}
	}
	for _, p := range d.Permissions {
		if p.Covers(perm) {
			return true, nil
		}
	}
	return false, nil
}

// Conflicts returns the mutually exclusive pairs that adding candidate to the
// held set would create. Exclusion is symmetric: either side declaring the
// conflict is enough.
func (r *Registry) Conflicts(held []RoleName, candidate RoleName) [][2]RoleName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cand, ok := r.defs[candidate]
	if !ok {
		return nil
	}
	var pairs [][2]RoleName
	for _, h := range held {
		if h == candidate {
			continue
		}
		heldDef, ok := r.defs[h]
		if !ok {
			continue
		}
		if cand.conflictsWith(h) || heldDef.conflictsWith(candidate) {
			pairs = append(pairs, [2]RoleName{h, candidate})
		}
	}
	return pairs
}

// BuiltinDefinitions returns the seeded role hierarchy.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			Name:        RoleSuperAdmin,
			Level:       10,
			Description: "Platform owner with unrestricted access",
			Permissions: []Permission{MustPermission("*")},
			Exclusive:   true,
			RateLimits: map[string]ActionLimit{
				"role_change": {Limit: 100, Per: "day"},
			},
			Active: true,
		},
		{
			Name:        RoleAdmin,
			Level:       8,
			Description: "Operations staff managing users, roles and reviews",
			Permissions: []Permission{
				MustPermission("user:*"),
				MustPermission("role:*"),
				MustPermission("audit:*"),
				MustPermission("ratelimit:*"),
				MustPermission("product:read"),
				MustPermission("order:read"),
				MustPermission("payment:refund"),
			},
			Excluded:             []Permission{MustPermission("user:delete")},
			RequiresVerification: true,
			RateLimits: map[string]ActionLimit{
				"role_change":    {Limit: 50, Per: "day"},
				"user_suspension": {Limit: 30, Per: "day"},
			},
			Active: true,
		},
		{
			Name:        RoleFarmer,
			Level:       5,
			Description: "Producer listing products at origin",
			Permissions: []Permission{
				MustPermission("product:*"),
				MustPermission("order:read"),
				MustPermission("order:update"),
				MustPermission("kyc:submit"),
			},
			Excluded:      []Permission{MustPermission("product:delete")},
			RequiresKYC:   true,
			ConflictsWith: []RoleName{RoleDistributor, RoleRetailer},
			RateLimits: map[string]ActionLimit{
				"product_creation": {Limit: 100, Per: "day"},
			},
			Active: true,
		},
		{
			Name:        RoleDistributor,
			Level:       4,
			Description: "Wholesale buyer moving stock between regions",
			Permissions: []Permission{
				MustPermission("order:*"),
				MustPermission("product:read"),
				MustPermission("kyc:submit"),
			},
			RequiresKYC:   true,
			ConflictsWith: []RoleName{RoleFarmer, RoleRetailer},
			RateLimits: map[string]ActionLimit{
				"order_creation": {Limit: 200, Per: "day"},
			},
			Active: true,
		},
		{
			Name:        RoleRetailer,
			Level:       3,
			Description: "Storefront selling to consumers",
			Permissions: []Permission{
				MustPermission("order:create"),
				MustPermission("order:read"),
				MustPermission("product:read"),
				MustPermission("kyc:submit"),
			},
			ConflictsWith: []RoleName{RoleFarmer, RoleDistributor},
			RateLimits: map[string]ActionLimit{
				"order_creation": {Limit: 100, Per: "day"},
			},
			Active: true,
		},
		{
			Name:        RoleConsumer,
			Level:       1,
			Description: "Default role for registered buyers",
			Permissions: []Permission{
				MustPermission("order:create"),
				MustPermission("order:read"),
				MustPermission("product:read"),
			},
			RateLimits: map[string]ActionLimit{
				"order_creation": {Limit: 20, Per: "day"},
				"api_request":    {Limit: 60, Per: "minute"},
			},
			Active: true,
		},
	}
}

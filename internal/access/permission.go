package access

import (
	"fmt"
	"sort"
	"strings"
)

// PermissionKind distinguishes exact grants from the two wildcard forms.
// Wildcards are structural: they expand against the catalog at resolution
// time and never appear as catalog entries themselves.
type PermissionKind int

const (
	PermExact PermissionKind = iota
	PermCategoryWildcard
	PermGlobalWildcard
)

// Permission is a parsed capability reference: category:action, category:*,
// or the global wildcard *.
type Permission struct {
	Kind     PermissionKind
	Category string
	Action   string
}

// ParsePermission validates and parses a permission string. Accepted forms
// are "category:action", "category:*" and "*", where category and action
// match [a-z_]+.
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return Permission{Kind: PermGlobalWildcard}, nil
	}
	category, action, ok := strings.Cut(s, ":")
	if !ok || !isNameToken(category) {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidArgument, s)
	}
	if action == "*" {
		return Permission{Kind: PermCategoryWildcard, Category: category}, nil
	}
	if !isNameToken(action) {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidArgument, s)
	}
	return Permission{Kind: PermExact, Category: category, Action: action}, nil
}

// MustPermission parses s and panics on failure. Only for static catalog and
// registry definitions.
func MustPermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Permission) String() string {
	switch p.Kind {
	case PermGlobalWildcard:
		return "*"
	case PermCategoryWildcard:
		return p.Category + ":*"
	default:
		return p.Category + ":" + p.Action
	}
}

// Covers reports whether p grants the exact permission other. Exact matches
// cover themselves; wildcards cover by category or globally.
func (p Permission) Covers(other Permission) bool {
	if other.Kind != PermExact {
		return p == other
	}
	switch p.Kind {
	case PermGlobalWildcard:
		return true
	case PermCategoryWildcard:
		return p.Category == other.Category
	default:
		return p.Category == other.Category && p.Action == other.Action
	}
}

func isNameToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

// RiskLevel grades the impact of a capability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// CatalogEntry describes one exact permission and its risk metadata.
type CatalogEntry struct {
	Permission           Permission
	Description          string
	Risk                 RiskLevel
	RequiresVerification bool
	RequiresKYC          bool
}

// Catalog is the set of known exact permissions, indexed for lookup and
// category expansion.
type Catalog struct {
	entries    map[string]CatalogEntry
	byCategory map[string][]Permission
}

// NewCatalog builds a catalog from entries. Wildcard entries are rejected.
func NewCatalog(entries []CatalogEntry) (*Catalog, error) {
	c := &Catalog{
		entries:    make(map[string]CatalogEntry, len(entries)),
		byCategory: make(map[string][]Permission),
	}
	for _, e := range entries {
		if e.Permission.Kind != PermExact {
			return nil, fmt.Errorf("%w: catalog entry %q must be exact", ErrInvalidArgument, e.Permission)
		}
		key := e.Permission.String()
		if _, ok := c.entries[key]; ok {
			return nil, fmt.Errorf("%w: duplicate catalog entry %q", ErrInvalidArgument, key)
		}
		c.entries[key] = e
		c.byCategory[e.Permission.Category] = append(c.byCategory[e.Permission.Category], e.Permission)
	}
	return c, nil
}

// Lookup returns the catalog entry for an exact permission.
func (c *Catalog) Lookup(p Permission) (CatalogEntry, bool) {
	e, ok := c.entries[p.String()]
	return e, ok
}

// Contains reports whether the exact permission is in the catalog.
func (c *Catalog) Contains(p Permission) bool {
	_, ok := c.entries[p.String()]
	return ok
}

// Category returns every catalog permission in the given category.
func (c *Catalog) Category(category string) []Permission {
	perms := c.byCategory[category]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// All returns every catalog permission, sorted for stable listings.
func (c *Catalog) All() []Permission {
	out := make([]Permission, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Permission)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Expand resolves a permission reference against the catalog: an exact
// permission expands to itself, a category wildcard to every catalog entry in
// its category, the global wildcard to the whole catalog.
func (c *Catalog) Expand(p Permission) []Permission {
	switch p.Kind {
	case PermGlobalWildcard:
		return c.All()
	case PermCategoryWildcard:
		return c.Category(p.Category)
	default:
		return []Permission{p}
	}
}

// BuiltinCatalog returns the platform permission catalog seeded at bootstrap.
func BuiltinCatalog() *Catalog {
	entries := []CatalogEntry{
		{Permission: MustPermission("product:create"), Description: "Create product listings", Risk: RiskLow, RequiresKYC: true},
		{Permission: MustPermission("product:read"), Description: "View product listings", Risk: RiskLow},
		{Permission: MustPermission("product:update"), Description: "Update product listings", Risk: RiskLow, RequiresKYC: true},
		{Permission: MustPermission("product:delete"), Description: "Remove product listings", Risk: RiskHigh},
		{Permission: MustPermission("order:create"), Description: "Place orders", Risk: RiskLow},
		{Permission: MustPermission("order:read"), Description: "View orders", Risk: RiskLow},
		{Permission: MustPermission("order:update"), Description: "Update order state", Risk: RiskMedium},
		{Permission: MustPermission("order:cancel"), Description: "Cancel orders", Risk: RiskMedium},
		{Permission: MustPermission("payment:process"), Description: "Process payments", Risk: RiskHigh, RequiresVerification: true},
		{Permission: MustPermission("payment:refund"), Description: "Issue refunds", Risk: RiskCritical, RequiresVerification: true},
		{Permission: MustPermission("user:read"), Description: "View user accounts", Risk: RiskMedium},
		{Permission: MustPermission("user:update"), Description: "Update user accounts", Risk: RiskHigh},
		{Permission: MustPermission("user:suspend"), Description: "Suspend user accounts", Risk: RiskCritical},
		{Permission: MustPermission("user:delete"), Description: "Delete user accounts", Risk: RiskCritical},
		{Permission: MustPermission("role:read"), Description: "View role assignments", Risk: RiskMedium},
		{Permission: MustPermission("role:grant"), Description: "Grant roles", Risk: RiskCritical, RequiresVerification: true},
		{Permission: MustPermission("role:revoke"), Description: "Revoke roles", Risk: RiskCritical, RequiresVerification: true},
		{Permission: MustPermission("audit:read"), Description: "Read audit records", Risk: RiskHigh},
		{Permission: MustPermission("audit:review"), Description: "Review flagged audit records", Risk: RiskHigh},
		{Permission: MustPermission("ratelimit:reset"), Description: "Reset rate limit windows", Risk: RiskHigh},
		{Permission: MustPermission("ratelimit:block"), Description: "Manually block actors", Risk: RiskCritical},
		{Permission: MustPermission("ratelimit:unblock"), Description: "Lift rate limit blocks", Risk: RiskHigh},
		{Permission: MustPermission("contract:deploy"), Description: "Deploy supply-chain contracts", Risk: RiskCritical, RequiresVerification: true},
		{Permission: MustPermission("kyc:submit"), Description: "Submit KYC documents", Risk: RiskLow},
		{Permission: MustPermission("kyc:approve"), Description: "Approve KYC submissions", Risk: RiskCritical, RequiresVerification: true},
	}
	catalog, err := NewCatalog(entries)
	if err != nil {
		panic(err)
	}
	return catalog
}

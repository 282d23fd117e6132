package access

import (
	"errors"
	"testing"
)

func TestParsePermission(t *testing.T) {
	cases := []struct {
		in   string
		kind PermissionKind
		str  string
	}{
		{"product:create", PermExact, "product:create"},
		{"product:*", PermCategoryWildcard, "product:*"},
		{"*", PermGlobalWildcard, "*"},
		{"  user:read ", PermExact, "user:read"},
	}
	for _, tc := range cases {
		p, err := ParsePermission(tc.in)
		if err != nil {
			t.Fatalf("ParsePermission(%q): %v", tc.in, err)
		}
		if p.Kind != tc.kind || p.String() != tc.str {
			t.Fatalf("ParsePermission(%q) = %v %q", tc.in, p.Kind, p.String())
		}
	}

	for _, in := range []string{"", "product", "product:", ":create", "Product:create", "product:Create", "a:b:c", "*:*"} {
		if _, err := ParsePermission(in); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("ParsePermission(%q): expected invalid argument, got %v", in, err)
		}
	}
}

func TestPermissionCovers(t *testing.T) {
	exact := MustPermission("product:create")
	other := MustPermission("order:create")

	if !exact.Covers(exact) {
		t.Fatal("exact permission must cover itself")
	}
	if exact.Covers(other) {
		t.Fatal("exact permission must not cover a different one")
	}
	if !MustPermission("product:*").Covers(exact) {
		t.Fatal("category wildcard must cover its category")
	}
	if MustPermission("order:*").Covers(exact) {
		t.Fatal("category wildcard must not cover other categories")
	}
	if !MustPermission("*").Covers(exact) {
		t.Fatal("global wildcard must cover everything")
	}
	// Wildcards are structural, not grantable targets.
	if MustPermission("product:create").Covers(MustPermission("product:*")) {
		t.Fatal("exact permission must not cover a wildcard")
	}
}

func TestCatalogExpand(t *testing.T) {
	catalog := BuiltinCatalog()

	all := catalog.Expand(MustPermission("*"))
	if len(all) != len(catalog.All()) {
		t.Fatalf("global expansion returned %d of %d", len(all), len(catalog.All()))
	}

	products := catalog.Expand(MustPermission("product:*"))
	if len(products) != 4 {
		t.Fatalf("expected 4 product permissions, got %d", len(products))
	}
	for _, p := range products {
		if p.Category != "product" {
			t.Fatalf("category expansion leaked %q", p)
		}
	}

	self := catalog.Expand(MustPermission("order:cancel"))
	if len(self) != 1 || self[0].String() != "order:cancel" {
		t.Fatalf("exact expansion: %v", self)
	}
}

func TestNewCatalogRejectsWildcardsAndDuplicates(t *testing.T) {
	_, err := NewCatalog([]CatalogEntry{{Permission: MustPermission("product:*")}})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("wildcard entry: expected invalid argument, got %v", err)
	}
	_, err = NewCatalog([]CatalogEntry{
		{Permission: MustPermission("product:read")},
		{Permission: MustPermission("product:read")},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("duplicate entry: expected invalid argument, got %v", err)
	}
}

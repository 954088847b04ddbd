package rolemap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTable(t *testing.T) {
	tbl := Default()

	if got := len(tbl.Ordered()); got != 6 {
		t.Fatalf("expected 6 default groups, got %d", got)
	}
	if !tbl.IsStaff("Admin") || !tbl.IsStaff("Owner") {
		t.Fatal("expected Admin and Owner to be staff")
	}
	if tbl.IsStaff("Member") || tbl.IsStaff("Whitelist") {
		t.Fatal("Member and Whitelist must not be staff")
	}

	member, ok := tbl.Member()
	if !ok || member.RoleID != "100900" {
		t.Fatalf("unexpected member mapping: %+v", member)
	}
	wl, ok := tbl.Whitelist()
	if !ok || wl.RoleID != "" {
		t.Fatalf("whitelist pseudo-group must carry no role id: %+v", wl)
	}

	m, ok := tbl.ByRole("100300")
	if !ok || m.Group != "Admin" {
		t.Fatalf("ByRole lookup failed: %+v", m)
	}
	if _, ok := tbl.ByRole("999999"); ok {
		t.Fatal("unknown role id must not resolve")
	}
}

func TestOrderedSortsByRank(t *testing.T) {
	tbl := Default()
	ordered := tbl.Ordered()
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank > ordered[i].Rank {
			t.Fatalf("groups out of rank order: %s before %s", ordered[i-1].Group, ordered[i].Group)
		}
	}
	if ordered[0].Group != "Owner" {
		t.Fatalf("expected Owner first, got %s", ordered[0].Group)
	}
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name     string
		mappings []Mapping
	}{
		{"missing group", []Mapping{{RoleID: "1", Rank: 1, Kind: KindStaff}}},
		{"staff without role", []Mapping{{Group: "Admin", Rank: 1, Kind: KindStaff}}},
		{"whitelist with role", []Mapping{{RoleID: "5", Group: "Whitelist", Rank: 95, Kind: KindWhitelist}}},
		{"duplicate group", []Mapping{
			{RoleID: "1", Group: "Admin", Rank: 1, Kind: KindStaff},
			{RoleID: "2", Group: "Admin", Rank: 2, Kind: KindStaff},
		}},
		{"duplicate role id", []Mapping{
			{RoleID: "1", Group: "Admin", Rank: 1, Kind: KindStaff},
			{RoleID: "1", Group: "Moderator", Rank: 2, Kind: KindStaff},
		}},
		{"two member groups", []Mapping{
			{RoleID: "1", Group: "Member", Rank: 90, Kind: KindMember},
			{RoleID: "2", Group: "Regular", Rank: 91, Kind: KindMember},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.mappings); !errors.Is(err, ErrInvalidMapping) {
				t.Fatalf("expected ErrInvalidMapping, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	doc := `groups:
  - role_id: "555100"
    group: Overseer
    permissions: "*"
    rank: 1
    kind: staff
  - role_id: "555200"
    group: Helper
    permissions: "kick,mute"
    rank: 2
    kind: staff
  - role_id: "555900"
    group: Regular
    permissions: play
    rank: 50
    kind: member
  - group: Whitelist
    permissions: play
    rank: 95
    kind: whitelist
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tbl, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !tbl.IsStaff("Overseer") {
		t.Fatal("expected Overseer to be staff")
	}
	m, ok := tbl.ByRole("555900")
	if !ok || m.Kind != KindMember {
		t.Fatalf("unexpected member mapping: %+v", m)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

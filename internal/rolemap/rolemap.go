package rolemap

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind classifies a mapping within the access hierarchy.
type Kind string

const (
	// KindStaff marks an elevated-privilege group driven by a chat role.
	KindStaff Kind = "staff"
	// KindMember marks the binary membership tier driven by a chat role.
	KindMember Kind = "member"
	// KindWhitelist marks the pseudo-group for manually whitelisted players;
	// it is not driven by any chat role.
	KindWhitelist Kind = "whitelist"
)

var (
	ErrInvalidMapping = errors.New("rolemap: invalid mapping")
	ErrUnknownGroup   = errors.New("rolemap: unknown group")
)

// Mapping binds one chat-platform role to a game-server group: the group
// name emitted on the feed, the permission string attached to it, and the
// rank that orders the hierarchy (lower rank = higher privilege).
type Mapping struct {
	RoleID      string `yaml:"role_id"`
	Group       string `yaml:"group"`
	Permissions string `yaml:"permissions"`
	Rank        int    `yaml:"rank"`
	Kind        Kind   `yaml:"kind"`
}

// Table is the immutable, rank-ordered set of mappings the process serves
// with. It is configuration, not persisted state: loaded once at boot from
// YAML or from the built-in defaults.
type Table struct {
	ordered []Mapping
	byGroup map[string]Mapping
	byRole  map[string]Mapping
}

type fileSchema struct {
	Groups []Mapping `yaml:"groups"`
}

// New validates the mappings and builds lookup indexes.
func New(mappings []Mapping) (*Table, error) {
	if len(mappings) == 0 {
		return nil, fmt.Errorf("%w: at least one mapping is required", ErrInvalidMapping)
	}
	t := &Table{
		byGroup: make(map[string]Mapping, len(mappings)),
		byRole:  make(map[string]Mapping, len(mappings)),
	}
	var memberSeen, whitelistSeen bool
	for _, m := range mappings {
		m.Group = strings.TrimSpace(m.Group)
		m.RoleID = strings.TrimSpace(m.RoleID)
		if m.Group == "" {
			return nil, fmt.Errorf("%w: group name is required", ErrInvalidMapping)
		}
		switch m.Kind {
		case KindStaff, KindMember:
			if m.RoleID == "" {
				return nil, fmt.Errorf("%w: %s mapping %q needs a role_id", ErrInvalidMapping, m.Kind, m.Group)
			}
		case KindWhitelist:
			if m.RoleID != "" {
				return nil, fmt.Errorf("%w: whitelist mapping %q cannot carry a role_id", ErrInvalidMapping, m.Group)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported kind %q for group %q", ErrInvalidMapping, m.Kind, m.Group)
		}
		if m.Kind == KindMember {
			if memberSeen {
				return nil, fmt.Errorf("%w: the member tier is binary, only one member mapping is allowed", ErrInvalidMapping)
			}
			memberSeen = true
		}
		if m.Kind == KindWhitelist {
			if whitelistSeen {
				return nil, fmt.Errorf("%w: only one whitelist mapping is allowed", ErrInvalidMapping)
			}
			whitelistSeen = true
		}
		if _, dup := t.byGroup[m.Group]; dup {
			return nil, fmt.Errorf("%w: duplicate group %q", ErrInvalidMapping, m.Group)
		}
		if m.RoleID != "" {
			if _, dup := t.byRole[m.RoleID]; dup {
				return nil, fmt.Errorf("%w: role %q mapped twice", ErrInvalidMapping, m.RoleID)
			}
			t.byRole[m.RoleID] = m
		}
		t.byGroup[m.Group] = m
		t.ordered = append(t.ordered, m)
	}
	sort.SliceStable(t.ordered, func(i, j int) bool {
		if t.ordered[i].Rank != t.ordered[j].Rank {
			return t.ordered[i].Rank < t.ordered[j].Rank
		}
		return t.ordered[i].Group < t.ordered[j].Group
	})
	return t, nil
}

// LoadFile reads a YAML mapping file.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rolemap: read %s: %w", path, err)
	}
	var schema fileSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("rolemap: parse %s: %w", path, err)
	}
	return New(schema.Groups)
}

// Default returns the built-in hierarchy used when no mapping file is
// configured. Role ids follow the chat platform's numeric id format.
func Default() *Table {
	t, err := New([]Mapping{
		{RoleID: "100100", Group: "Owner", Permissions: "*", Rank: 1, Kind: KindStaff},
		{RoleID: "100200", Group: "HeadAdmin", Permissions: "admin.*", Rank: 2, Kind: KindStaff},
		{RoleID: "100300", Group: "Admin", Permissions: "kick,ban,mute,teleport", Rank: 3, Kind: KindStaff},
		{RoleID: "100400", Group: "Moderator", Permissions: "kick,mute", Rank: 4, Kind: KindStaff},
		{RoleID: "100900", Group: "Member", Permissions: "play", Rank: 90, Kind: KindMember},
		{Group: "Whitelist", Permissions: "play", Rank: 95, Kind: KindWhitelist},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// ByGroup returns the mapping for a group name.
func (t *Table) ByGroup(name string) (Mapping, bool) {
	m, ok := t.byGroup[strings.TrimSpace(name)]
	return m, ok
}

// ByRole returns the mapping for a chat-platform role id.
func (t *Table) ByRole(roleID string) (Mapping, bool) {
	m, ok := t.byRole[strings.TrimSpace(roleID)]
	return m, ok
}

// Ordered returns every mapping in rank order, highest privilege first.
func (t *Table) Ordered() []Mapping {
	out := make([]Mapping, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// Staff returns the staff-tier mappings in rank order.
func (t *Table) Staff() []Mapping {
	var out []Mapping
	for _, m := range t.ordered {
		if m.Kind == KindStaff {
			out = append(out, m)
		}
	}
	return out
}

// Member returns the member-tier mapping if one is configured.
func (t *Table) Member() (Mapping, bool) {
	for _, m := range t.ordered {
		if m.Kind == KindMember {
			return m, true
		}
	}
	return Mapping{}, false
}

// Whitelist returns the manual-whitelist pseudo-group mapping.
func (t *Table) Whitelist() (Mapping, bool) {
	for _, m := range t.ordered {
		if m.Kind == KindWhitelist {
			return m, true
		}
	}
	return Mapping{}, false
}

// IsStaff reports whether the group name is a staff-tier group.
func (t *Table) IsStaff(group string) bool {
	m, ok := t.ByGroup(group)
	return ok && m.Kind == KindStaff
}

// IsMember reports whether the group name is the member tier.
func (t *Table) IsMember(group string) bool {
	m, ok := t.ByGroup(group)
	return ok && m.Kind == KindMember
}

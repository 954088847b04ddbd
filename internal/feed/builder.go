package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden.gg/internal/grant"
	"warden.gg/internal/identity"
	"warden.gg/internal/obs"
	"warden.gg/internal/rolemap"
)

// GrantLister is the slice of the grant service the builder walks.
type GrantLister interface {
	ListActive(ctx context.Context) ([]grant.Grant, error)
}

// LinkSource re-checks identity links for staff rows at build time.
type LinkSource interface {
	BestByGameAccount(ctx context.Context, gameAccountID string) (identity.Link, error)
}

// Snapshot is one fully rendered generation of every tier.
type Snapshot struct {
	GeneratedAt time.Time
	text        map[Tier][]byte
}

// Text returns the rendered payload for a tier.
func (s *Snapshot) Text(tier Tier) []byte {
	return s.text[tier]
}

// Builder turns committed grant rows into rendered feed text. It never
// mutates anything; the cache above it decides when to run.
type Builder struct {
	grants GrantLister
	links  LinkSource
	roles  *rolemap.Table
	now    func() time.Time
}

// NewBuilder wires a builder. A nil clock falls back to time.Now.
func NewBuilder(grants GrantLister, links LinkSource, roles *rolemap.Table, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{grants: grants, links: links, roles: roles, now: now}
}

// Snapshot walks the active grant rows once and renders all four tiers.
//
// Row placement: role-sourced staff rows land in the staff tier under their
// group; role-sourced whitelist rows are the member tier; everything else is
// the whitelist tier. Role-sourced rows additionally re-check the identity
// link at build time so a demoted link stops being served no later than the
// next rebuild, even if no role event has arrived yet.
func (b *Builder) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := b.grants.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed: list active grants: %w", err)
	}

	var staff, members, whitelist []Entry
	for _, g := range rows {
		e := Entry{
			GameAccountID: g.GameAccountID,
			GameName:      g.GameName,
			ChatName:      g.ChatName,
			CreatedAt:     g.CreatedAt,
		}
		switch {
		case g.Source == grant.SourceRole && g.Type == grant.TypeStaff:
			if _, known := b.roles.ByGroup(g.RoleName); !known {
				obs.LogRequest(map[string]any{
					"type":  "feed_unknown_group",
					"group": g.RoleName,
					"grant": g.ID,
				})
				continue
			}
			e.Group = g.RoleName
			staff = append(staff, e)
		case g.Source == grant.SourceRole:
			member, ok := b.roles.Member()
			if !ok {
				continue
			}
			e.Group = member.Group
			members = append(members, e)
		default:
			wl, ok := b.roles.Whitelist()
			if !ok {
				continue
			}
			e.Group = wl.Group
			whitelist = append(whitelist, e)
		}
	}

	staff = dedupe(staff)
	members = dedupe(members)
	whitelist = dedupe(whitelist)

	staff, err = b.verifiedOnly(ctx, staff)
	if err != nil {
		return nil, err
	}
	members, err = b.verifiedOnly(ctx, members)
	if err != nil {
		return nil, err
	}

	staffGroups := groupIndex(staff)
	memberGroups := groupIndex(members)
	whitelistGroups := groupIndex(whitelist)
	combined := merge(staffGroups, memberGroups, whitelistGroups)

	tbl := b.roles
	snap := &Snapshot{
		GeneratedAt: b.now().UTC(),
		text: map[Tier][]byte{
			TierStaff:     render(tbl.Staff(), staffGroups),
			TierMembers:   render(onlyMember(tbl), memberGroups),
			TierWhitelist: render(onlyWhitelist(tbl), whitelistGroups),
			TierCombined:  render(tbl.Ordered(), combined),
		},
	}
	return snap, nil
}

// verifiedOnly drops role-sourced entries whose link is missing or weaker
// than self-verified. Role-derived lines never ride on guessed identities,
// staff and member tiers alike.
func (b *Builder) verifiedOnly(ctx context.Context, entries []Entry) ([]Entry, error) {
	out := entries[:0]
	for _, e := range entries {
		link, err := b.links.BestByGameAccount(ctx, e.GameAccountID)
		switch {
		case errors.Is(err, identity.ErrNotFound):
			continue
		case err != nil:
			return nil, fmt.Errorf("feed: link check %s: %w", e.GameAccountID, err)
		}
		if link.Confidence != identity.ConfidenceVerified {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func groupIndex(entries []Entry) map[string][]Entry {
	idx := make(map[string][]Entry)
	for _, e := range entries {
		idx[e.Group] = append(idx[e.Group], e)
	}
	return idx
}

func merge(indexes ...map[string][]Entry) map[string][]Entry {
	out := make(map[string][]Entry)
	for _, idx := range indexes {
		for group, entries := range idx {
			out[group] = append(out[group], entries...)
		}
	}
	return out
}

func onlyMember(tbl *rolemap.Table) []rolemap.Mapping {
	if m, ok := tbl.Member(); ok {
		return []rolemap.Mapping{m}
	}
	return nil
}

func onlyWhitelist(tbl *rolemap.Table) []rolemap.Mapping {
	if m, ok := tbl.Whitelist(); ok {
		return []rolemap.Mapping{m}
	}
	return nil
}

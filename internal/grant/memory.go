package grant

import (
	"context"
	"sort"
	"sync"
	"time"

	"warden.gg/internal/ids"
)

// InMemory is a Store kept in process memory, serialized by one lock so the
// stacking and role-sync invariants hold under concurrent callers. It backs
// tests and the demo mode of the API server.
type InMemory struct {
	mu     sync.Mutex
	grants []Grant
}

// NewInMemory returns an empty in-memory grant store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Stack computes the stacked expiration against the current winner of the
// same type and inserts the new row. The prior row is left untouched.
func (m *InMemory) Stack(_ context.Context, g Grant, d Duration) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.winnerLocked(g.GameAccountID, g.CreatedAt, func(row Grant) bool {
		return row.Type == g.Type
	})
	expires, err := StackedExpiration(g.CreatedAt, current, d)
	if err != nil {
		return Grant{}, err
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.ExpiresAt = expires
	m.grants = append(m.grants, g)
	return g, nil
}

// ByID fetches one row.
func (m *InMemory) ByID(_ context.Context, id string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.grants {
		if g.ID == id {
			return g, nil
		}
	}
	return Grant{}, ErrNotFound
}

// ActiveByType returns the winning active grant of the given type.
func (m *InMemory) ActiveByType(_ context.Context, gameAccountID string, typ Type, now time.Time) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	winner := m.winnerLocked(gameAccountID, now, func(row Grant) bool {
		return row.Type == typ
	})
	if winner == nil {
		return Grant{}, ErrNotFound
	}
	return *winner, nil
}

// ActiveDatabase returns the winning active grant not sourced from a role.
func (m *InMemory) ActiveDatabase(_ context.Context, gameAccountID string, now time.Time) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	winner := m.winnerLocked(gameAccountID, now, func(row Grant) bool {
		return row.Source != SourceRole
	})
	if winner == nil {
		return Grant{}, ErrNotFound
	}
	return *winner, nil
}

// ActiveRole returns the active role-sourced grant, if any.
func (m *InMemory) ActiveRole(_ context.Context, gameAccountID string, now time.Time) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	winner := m.winnerLocked(gameAccountID, now, func(row Grant) bool {
		return row.Source == SourceRole
	})
	if winner == nil {
		return Grant{}, ErrNotFound
	}
	return *winner, nil
}

// ListActive returns every row conferring access at the given instant.
func (m *InMemory) ListActive(_ context.Context, now time.Time) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Grant
	for _, g := range m.grants {
		if g.Active(now) {
			out = append(out, g)
		}
	}
	return out, nil
}

// Revoke closes rows terminally per the selector.
func (m *InMemory) Revoke(_ context.Context, sel RevokeSelector) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sel.GrantID != "" {
		for i := range m.grants {
			if m.grants[i].ID != sel.GrantID {
				continue
			}
			if m.grants[i].Revoked {
				return nil, ErrAlreadyRevoked
			}
			m.revokeLocked(i, sel.RevokedBy, sel.Reason, sel.At)
			return []Grant{m.grants[i]}, nil
		}
		return nil, ErrNotFound
	}

	var revoked []Grant
	for i := range m.grants {
		g := m.grants[i]
		if g.GameAccountID != sel.GameAccountID || !g.Active(sel.At) {
			continue
		}
		if sel.Type != "" && g.Type != sel.Type {
			continue
		}
		m.revokeLocked(i, sel.RevokedBy, sel.Reason, sel.At)
		revoked = append(revoked, m.grants[i])
	}
	if len(revoked) == 0 {
		return nil, ErrNotFound
	}
	return revoked, nil
}

// SyncRole reconciles role-sourced rows for one game account: keep the row
// matching the current tier, close the rest, create the tier's row when
// missing. Holding the store lock for the whole reconciliation is what makes
// concurrent duplicate events collapse into one grant.
func (m *InMemory) SyncRole(_ context.Context, p RoleSync) (RoleSyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res RoleSyncResult
	matched := -1
	for i := range m.grants {
		g := m.grants[i]
		if g.GameAccountID != p.GameAccountID || g.Source != SourceRole || !g.Active(p.Now) {
			continue
		}
		if matched == -1 && p.RoleName != "" && g.Type == p.Type && g.RoleName == p.RoleName {
			matched = i
			continue
		}
		m.revokeLocked(i, p.GrantedBy, "role membership changed", p.Now)
		res.Revoked = append(res.Revoked, m.grants[i])
	}

	if p.RoleName != "" && matched == -1 {
		g := Grant{
			ID:            ids.New(),
			GameAccountID: p.GameAccountID,
			ChatAccountID: p.ChatAccountID,
			Type:          p.Type,
			Source:        SourceRole,
			RoleName:      p.RoleName,
			Duration:      Permanent(),
			Approved:      true,
			GrantedBy:     p.GrantedBy,
			Reason:        p.Reason,
			GameName:      p.GameName,
			ChatName:      p.ChatName,
			CreatedAt:     p.Now,
		}
		m.grants = append(m.grants, g)
		res.Created = &g
	}

	res.Unchanged = res.Created == nil && len(res.Revoked) == 0
	return res, nil
}

func (m *InMemory) revokeLocked(i int, by, reason string, at time.Time) {
	at = at.UTC()
	m.grants[i].Revoked = true
	m.grants[i].RevokedAt = &at
	m.grants[i].RevokedBy = by
	m.grants[i].RevokeReason = reason
}

// winnerLocked picks the best active row for a game account among those the
// filter admits: permanent first, then the furthest expiration, then the
// newest row.
func (m *InMemory) winnerLocked(gameAccountID string, now time.Time, keep func(Grant) bool) *Grant {
	var matches []Grant
	for _, g := range m.grants {
		if g.GameAccountID == gameAccountID && g.Active(now) && keep(g) {
			matches = append(matches, g)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if (a.ExpiresAt == nil) != (b.ExpiresAt == nil) {
			return a.ExpiresAt == nil
		}
		if a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt) {
			return a.ExpiresAt.After(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return &matches[0]
}

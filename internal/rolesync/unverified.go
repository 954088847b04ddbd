package rolesync

import (
	"sort"
	"sync"
	"time"

	"warden.gg/internal/identity"
)

// UnverifiedStaff is one entry in the visibility set: an account holding a
// staff role whose identity link is missing or below self-verified.
type UnverifiedStaff struct {
	ChatAccountID string              `json:"chat_account_id"`
	ChatName      string              `json:"chat_name,omitempty"`
	GameAccountID string              `json:"game_account_id,omitempty"`
	Group         string              `json:"group"`
	Confidence    identity.Confidence `json:"confidence"`
	FirstSeen     time.Time           `json:"first_seen"`
	LastSeen      time.Time           `json:"last_seen"`
}

// unverifiedSet is process-local state: it rebuilds from the event stream
// after a restart and is served purely for operator visibility.
type unverifiedSet struct {
	mu      sync.RWMutex
	entries map[string]UnverifiedStaff
}

func newUnverifiedSet() *unverifiedSet {
	return &unverifiedSet{entries: make(map[string]UnverifiedStaff)}
}

func (u *unverifiedSet) put(entry UnverifiedStaff) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if prev, ok := u.entries[entry.ChatAccountID]; ok {
		entry.FirstSeen = prev.FirstSeen
	}
	u.entries[entry.ChatAccountID] = entry
}

func (u *unverifiedSet) remove(chatAccountID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.entries, chatAccountID)
}

func (u *unverifiedSet) list() []UnverifiedStaff {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]UnverifiedStaff, 0, len(u.entries))
	for _, e := range u.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ChatAccountID < out[j].ChatAccountID
	})
	return out
}

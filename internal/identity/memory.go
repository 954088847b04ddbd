package identity

import (
	"context"
	"sort"
	"sync"
)

// InMemory is a Store kept in process memory. It backs tests and the demo
// mode of the API server; production runs on the Postgres store.
type InMemory struct {
	mu    sync.RWMutex
	links []Link
}

// NewInMemory returns an empty in-memory link store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// UpsertPrimary demotes any current primary for the chat account, then
// writes the link. An existing row for the same (chat, game) pair is
// replaced rather than duplicated.
func (m *InMemory) UpsertPrimary(_ context.Context, link Link) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := false
	for i := range m.links {
		if m.links[i].ChatAccountID != link.ChatAccountID {
			continue
		}
		if m.links[i].GameAccountID == link.GameAccountID {
			m.links[i] = link
			replaced = true
			continue
		}
		m.links[i].Primary = false
	}
	if !replaced {
		m.links = append(m.links, link)
	}
	return link, nil
}

// PrimaryByChatAccount returns the chat account's primary link.
func (m *InMemory) PrimaryByChatAccount(_ context.Context, chatAccountID string) (Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.links {
		if l.ChatAccountID == chatAccountID && l.Primary {
			return l, nil
		}
	}
	return Link{}, ErrNotFound
}

// BestByGameAccount returns the strongest link pointing at the game account,
// newest first on ties.
func (m *InMemory) BestByGameAccount(_ context.Context, gameAccountID string) (Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Link
	for _, l := range m.links {
		if l.GameAccountID == gameAccountID {
			matches = append(matches, l)
		}
	}
	if len(matches) == 0 {
		return Link{}, ErrNotFound
	}
	sortLinks(matches)
	return matches[0], nil
}

// ListByChatAccount returns the chat account's links, strongest and newest
// first.
func (m *InMemory) ListByChatAccount(_ context.Context, chatAccountID string) ([]Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Link
	for _, l := range m.links {
		if l.ChatAccountID == chatAccountID {
			matches = append(matches, l)
		}
	}
	sortLinks(matches)
	return matches, nil
}

func sortLinks(links []Link) {
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Confidence != links[j].Confidence {
			return links[i].Confidence > links[j].Confidence
		}
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.After(links[j].CreatedAt)
		}
		return links[i].ID > links[j].ID
	})
}

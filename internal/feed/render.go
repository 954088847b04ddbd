// Package feed materializes grant state into the plain-text payload the game
// server polls.
package feed

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"warden.gg/internal/rolemap"
)

// Tier names one of the served feeds.
type Tier string

const (
	TierStaff     Tier = "staff"
	TierMembers   Tier = "members"
	TierWhitelist Tier = "whitelist"
	TierCombined  Tier = "combined"
)

// Tiers lists every served feed.
var Tiers = []Tier{TierStaff, TierMembers, TierWhitelist, TierCombined}

// ParseTier maps a request path segment to a tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierStaff:
		return TierStaff, true
	case TierMembers:
		return TierMembers, true
	case TierWhitelist:
		return TierWhitelist, true
	case TierCombined:
		return TierCombined, true
	}
	return "", false
}

// Entry is one line of feed output before rendering.
type Entry struct {
	GameAccountID string
	Group         string
	GameName      string
	ChatName      string
	CreatedAt     time.Time
}

// render writes the wire format: one Group header per mapping in rank order,
// each followed by its entries. Groups render even when empty so the game
// server always sees the full tier structure.
func render(mappings []rolemap.Mapping, byGroup map[string][]Entry) []byte {
	var buf bytes.Buffer
	for _, m := range mappings {
		buf.WriteString("Group=")
		buf.WriteString(m.Group)
		buf.WriteString(":")
		buf.WriteString(m.Permissions)
		buf.WriteString("\n")

		entries := append([]Entry(nil), byGroup[m.Group]...)
		sortEntries(entries)
		for _, e := range entries {
			buf.WriteString("Admin=")
			buf.WriteString(e.GameAccountID)
			buf.WriteString(":")
			buf.WriteString(e.Group)
			if comment := displayComment(e); comment != "" {
				buf.WriteString(" // ")
				buf.WriteString(comment)
			}
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}

func displayComment(e Entry) string {
	switch {
	case e.GameName != "" && e.ChatName != "":
		return e.GameName + " " + e.ChatName
	case e.GameName != "":
		return e.GameName
	case e.ChatName != "":
		return e.ChatName
	}
	return ""
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].GameName), strings.ToLower(entries[j].GameName)
		if a != b {
			if a == "" {
				return false
			}
			if b == "" {
				return true
			}
			return a < b
		}
		return entries[i].GameAccountID < entries[j].GameAccountID
	})
}

// dedupe keeps the most recently created row per game account within one
// tier. Dropped rows stay in storage; only the output thins.
func dedupe(entries []Entry) []Entry {
	best := make(map[string]Entry, len(entries))
	for _, e := range entries {
		prev, seen := best[e.GameAccountID]
		if !seen || e.CreatedAt.After(prev.CreatedAt) {
			best[e.GameAccountID] = e
		}
	}
	out := make([]Entry, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	return out
}

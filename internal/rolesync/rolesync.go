// Package rolesync turns chat role-change events into role-sourced grant
// rows, idempotently and safely under concurrent delivery.
package rolesync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"warden.gg/internal/audit"
	"warden.gg/internal/grant"
	"warden.gg/internal/identity"
	"warden.gg/internal/obs"
	"warden.gg/internal/rolemap"
)

const (
	// maxRetries bounds how many times one event re-runs after storage
	// contention, on top of the initial attempt.
	maxRetries = 3
	// baseBackoff is the first retry delay; it doubles per retry.
	baseBackoff = 100 * time.Millisecond
)

// ErrBusy is returned once the retry budget is exhausted. Callers should
// requeue the event rather than drop it.
var ErrBusy = errors.New("role sync busy")

// Store is the slice of the grant store the synchronizer writes through.
type Store interface {
	SyncRole(ctx context.Context, p grant.RoleSync) (grant.RoleSyncResult, error)
}

// LinkSource resolves a chat account to its primary identity link.
type LinkSource interface {
	ResolvePrimary(ctx context.Context, chatAccountID string) (identity.Link, error)
}

// Event is one role-membership change as delivered by the chat platform:
// the full set of role ids the account holds after the change.
type Event struct {
	ChatAccountID string   `json:"chat_account_id"`
	ChatName      string   `json:"chat_name,omitempty"`
	RoleIDs       []string `json:"role_ids"`
}

// Outcome classifies what one event did.
type Outcome string

const (
	// OutcomeApplied: grant rows changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged: the event was a replay; nothing moved.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeGated: a staff role was present but the identity link is not
	// self-verified. No grant was written; the account is surfaced in the
	// unverified-staff set instead.
	OutcomeGated Outcome = "gated"
	// OutcomeSkipped: the member tier was present but the link is too
	// weak. Quietly ignored; membership is not a privilege worth alarms.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeUnlinked: the chat account has no identity link at all and
	// held no staff role.
	OutcomeUnlinked Outcome = "unlinked"
)

// Result reports what one event did.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Group   string        `json:"group,omitempty"`
	Type    grant.Type    `json:"type,omitempty"`
	Created *grant.Grant  `json:"created,omitempty"`
	Revoked []grant.Grant `json:"revoked,omitempty"`
}

// Synchronizer reconciles role events against the grant store.
type Synchronizer struct {
	store      Store
	links      LinkSource
	roles      *rolemap.Table
	rec        audit.Recorder
	unverified *unverifiedSet
	invalidate func()
	now        func() time.Time
	sleep      func(time.Duration)
}

// New builds a synchronizer. invalidate, recorder and clock may be nil.
func New(store Store, links LinkSource, roles *rolemap.Table, rec audit.Recorder, invalidate func(), now func() time.Time) *Synchronizer {
	if rec == nil {
		rec = audit.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	if invalidate == nil {
		invalidate = func() {}
	}
	return &Synchronizer{
		store:      store,
		links:      links,
		roles:      roles,
		rec:        rec,
		unverified: newUnverifiedSet(),
		invalidate: invalidate,
		now:        now,
		sleep:      time.Sleep,
	}
}

// Apply processes one role event end to end: map roles to a tier, gate on
// link confidence, reconcile grant rows, maintain the unverified-staff set,
// and drop the serving cache when anything changed. Replays are no-ops.
func (s *Synchronizer) Apply(ctx context.Context, ev Event) (Result, error) {
	chatID, err := identity.ParseChatAccountID(ev.ChatAccountID)
	if err != nil {
		return Result{}, err
	}
	now := s.now().UTC()

	best, mapped := s.bestMapping(ev.RoleIDs)

	link, err := s.links.ResolvePrimary(ctx, chatID)
	linked := true
	switch {
	case errors.Is(err, identity.ErrNotFound):
		linked = false
	case err != nil:
		return Result{}, fmt.Errorf("role sync %s: link lookup: %w", chatID, err)
	}

	chatName := ev.ChatName
	if chatName == "" && linked {
		chatName = link.ChatName
	}

	// Staff tiers never ride on weak or missing links. The account stays
	// visible to operators until the link is verified, and any role rows
	// written back when the link was stronger are closed.
	if mapped && best.Kind == rolemap.KindStaff && (!linked || link.Confidence != identity.ConfidenceVerified) {
		conf := identity.Confidence(0)
		gameID := ""
		if linked {
			conf = link.Confidence
			gameID = link.GameAccountID
		}
		s.unverified.put(UnverifiedStaff{
			ChatAccountID: chatID,
			ChatName:      chatName,
			GameAccountID: gameID,
			Group:         best.Group,
			Confidence:    conf,
			FirstSeen:     now,
			LastSeen:      now,
		})
		res := Result{Outcome: OutcomeGated, Group: best.Group, Type: grant.TypeStaff}
		if linked {
			syncRes, err := s.syncWithRetry(ctx, grant.RoleSync{
				GameAccountID: link.GameAccountID,
				ChatAccountID: chatID,
				RoleName:      "",
				GrantedBy:     "role_sync",
				Reason:        "identity link below verification threshold",
				Now:           now,
			})
			if err != nil {
				return Result{}, err
			}
			res.Revoked = syncRes.Revoked
			if !syncRes.Unchanged {
				s.invalidate()
			}
		}
		s.finish(ctx, chatID, gameID, res, audit.SeverityWarning, now)
		return res, nil
	}

	if !linked {
		res := Result{Outcome: OutcomeUnlinked}
		if mapped {
			res.Group = best.Group
		}
		s.finish(ctx, chatID, "", res, audit.SeverityInfo, now)
		return res, nil
	}

	// Past the gate the account is either verified or no longer staff;
	// either way the visibility entry is stale.
	s.unverified.remove(chatID)

	roleName := ""
	var typ grant.Type
	if mapped {
		roleName = best.Group
		switch best.Kind {
		case rolemap.KindStaff:
			typ = grant.TypeStaff
		default:
			typ = grant.TypeWhitelist
		}
		// The member tier also requires a verified link, but quietly:
		// no alarms and no new rows. Any role rows written back when the
		// link was stronger are closed, same as the staff gate above.
		if best.Kind == rolemap.KindMember && link.Confidence != identity.ConfidenceVerified {
			res := Result{Outcome: OutcomeSkipped, Group: best.Group, Type: typ}
			syncRes, err := s.syncWithRetry(ctx, grant.RoleSync{
				GameAccountID: link.GameAccountID,
				ChatAccountID: chatID,
				RoleName:      "",
				GrantedBy:     "role_sync",
				Reason:        "identity link below verification threshold",
				Now:           now,
			})
			if err != nil {
				return Result{}, err
			}
			res.Revoked = syncRes.Revoked
			if !syncRes.Unchanged {
				s.invalidate()
			}
			s.finish(ctx, chatID, link.GameAccountID, res, audit.SeverityInfo, now)
			return res, nil
		}
	}

	syncRes, err := s.syncWithRetry(ctx, grant.RoleSync{
		GameAccountID: link.GameAccountID,
		ChatAccountID: chatID,
		Type:          typ,
		RoleName:      roleName,
		GrantedBy:     "role_sync",
		Reason:        "chat role membership",
		GameName:      link.GameName,
		ChatName:      chatName,
		Now:           now,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Group:   roleName,
		Type:    typ,
		Created: syncRes.Created,
		Revoked: syncRes.Revoked,
	}
	if syncRes.Unchanged {
		res.Outcome = OutcomeUnchanged
	} else {
		res.Outcome = OutcomeApplied
		s.invalidate()
	}
	s.finish(ctx, chatID, link.GameAccountID, res, audit.SeverityInfo, now)
	return res, nil
}

// syncWithRetry drives the store reconciliation through transient
// contention: bounded attempts, doubling backoff, then ErrBusy.
func (s *Synchronizer) syncWithRetry(ctx context.Context, p grant.RoleSync) (grant.RoleSyncResult, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			obs.RoleSyncRetry()
			s.sleep(baseBackoff << (attempt - 1))
			if err := ctx.Err(); err != nil {
				return grant.RoleSyncResult{}, err
			}
		}
		res, err := s.store.SyncRole(ctx, p)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, grant.ErrStoreBusy) {
			return grant.RoleSyncResult{}, fmt.Errorf("role sync %s: %w", p.GameAccountID, err)
		}
		lastErr = err
	}
	return grant.RoleSyncResult{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrBusy, p.GameAccountID, maxRetries+1, lastErr)
}

// bestMapping picks the highest tier (lowest rank) among the event's roles.
func (s *Synchronizer) bestMapping(roleIDs []string) (rolemap.Mapping, bool) {
	var best rolemap.Mapping
	found := false
	for _, id := range roleIDs {
		m, ok := s.roles.ByRole(id)
		if !ok {
			continue
		}
		if !found || m.Rank < best.Rank {
			best = m
			found = true
		}
	}
	return best, found
}

func (s *Synchronizer) finish(ctx context.Context, chatID, gameID string, res Result, sev audit.Severity, now time.Time) {
	obs.RoleSyncEvent(string(res.Outcome))

	target := audit.System()
	if gameID != "" {
		target = audit.GameAccount(gameID)
	}
	meta := map[string]string{"outcome": string(res.Outcome)}
	if res.Group != "" {
		meta["group"] = res.Group
	}
	if res.Type != "" {
		meta["grant_type"] = string(res.Type)
	}
	if res.Created != nil {
		meta["created_grant_id"] = res.Created.ID
	}
	if n := len(res.Revoked); n > 0 {
		meta["revoked_rows"] = strconv.Itoa(n)
	}

	s.rec.Append(ctx, audit.Record{
		Action:    "rolesync.apply",
		Actor:     audit.ChatAccount(chatID),
		Target:    target,
		Decision:  string(res.Outcome),
		Metadata:  meta,
		Severity:  sev,
		CreatedAt: now,
	})
}

// Unverified lists staff accounts currently blocked on link confidence.
func (s *Synchronizer) Unverified() []UnverifiedStaff {
	return s.unverified.list()
}

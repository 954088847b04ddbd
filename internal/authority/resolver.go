// Package authority answers the only question that matters at the server
// door: may this game account join right now, and why.
package authority

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"warden.gg/internal/audit"
	"warden.gg/internal/grant"
	"warden.gg/internal/identity"
	"warden.gg/internal/ids"
	"warden.gg/internal/obs"
	"warden.gg/internal/rolemap"
)

// Status is the outcome of a resolution.
type Status string

const (
	StatusWhitelisted Status = "WHITELISTED"
	StatusDenied      Status = "DENIED"
)

// Reason explains the outcome.
type Reason string

const (
	// ReasonDatabase: an active non-role grant row confers access.
	ReasonDatabase Reason = "database"
	// ReasonRole: chat role membership with a fully verified link confers
	// access.
	ReasonRole Reason = "role"
	// ReasonNoAccess: nothing grants access.
	ReasonNoAccess Reason = "no_access"
	// ReasonInsufficientConfidence: a staff role is present but the
	// identity link is not self-verified. Privileged access never rides
	// on guessed identities.
	ReasonInsufficientConfidence Reason = "insufficient_link_confidence"
)

// Decision is one resolution outcome. Decisions carry the correlation id of
// the request that produced them so the audit trail lines up.
type Decision struct {
	GameAccountID string              `json:"game_account_id"`
	Status        Status              `json:"status"`
	Reason        Reason              `json:"reason"`
	Group         string              `json:"group,omitempty"`
	GrantID       string              `json:"grant_id,omitempty"`
	Confidence    identity.Confidence `json:"confidence,omitempty"`
	CorrelationID string              `json:"correlation_id"`
	ResolvedAt    time.Time           `json:"resolved_at"`
}

// Allowed reports whether the decision admits the account.
func (d Decision) Allowed() bool { return d.Status == StatusWhitelisted }

// GrantSource is the slice of the grant service the resolver reads.
type GrantSource interface {
	ActiveDatabase(ctx context.Context, gameAccountID string) (grant.Grant, error)
	ActiveRole(ctx context.Context, gameAccountID string) (grant.Grant, error)
}

// LinkSource is the slice of the identity registry the resolver reads.
type LinkSource interface {
	BestByGameAccount(ctx context.Context, gameAccountID string) (identity.Link, error)
}

// bulkLimit bounds concurrent lookups during bulk resolution.
const bulkLimit = 10

// Resolver decides access. It never writes grants or links; its only side
// effects are audit records and metrics.
type Resolver struct {
	grants GrantSource
	links  LinkSource
	roles  *rolemap.Table
	rec    audit.Recorder
	now    func() time.Time
}

// NewResolver builds a resolver. A nil recorder drops audit output; a nil
// clock falls back to time.Now.
func NewResolver(grants GrantSource, links LinkSource, roles *rolemap.Table, rec audit.Recorder, now func() time.Time) *Resolver {
	if rec == nil {
		rec = audit.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{grants: grants, links: links, roles: roles, rec: rec, now: now}
}

// Request names the account to resolve. Group optionally supplies live role
// evidence when the caller has just seen a role event; empty falls back to
// the persisted role-sourced grant.
type Request struct {
	GameAccountID string
	Group         string
}

// Resolve runs the decision ladder for one account:
//
//  1. an active non-role grant admits outright
//  2. role evidence admits only when the identity link is self-verified;
//     a staff role without that is denied loudly
//  3. otherwise denied
//
// Every call, allowed or denied, appends exactly one audit record. Storage
// failures return an error and no decision.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	gameID, err := identity.ParseGameAccountID(req.GameAccountID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		GameAccountID: gameID,
		CorrelationID: r.correlationID(ctx),
		ResolvedAt:    r.now().UTC(),
	}

	dbGrant, err := r.grants.ActiveDatabase(ctx, gameID)
	switch {
	case err == nil:
		d.Status = StatusWhitelisted
		d.Reason = ReasonDatabase
		d.GrantID = dbGrant.ID
		return d, r.finish(ctx, d, audit.SeverityInfo)
	case !errors.Is(err, grant.ErrNotFound):
		return Decision{}, fmt.Errorf("resolve %s: database grant lookup: %w", gameID, err)
	}

	group := req.Group
	if group == "" {
		roleGrant, err := r.grants.ActiveRole(ctx, gameID)
		switch {
		case err == nil:
			group = roleGrant.RoleName
			d.GrantID = roleGrant.ID
		case !errors.Is(err, grant.ErrNotFound):
			return Decision{}, fmt.Errorf("resolve %s: role grant lookup: %w", gameID, err)
		}
	}

	if group != "" {
		link, err := r.links.BestByGameAccount(ctx, gameID)
		switch {
		case err == nil:
			d.Confidence = link.Confidence
		case !errors.Is(err, identity.ErrNotFound):
			return Decision{}, fmt.Errorf("resolve %s: link lookup: %w", gameID, err)
		}

		if d.Confidence == identity.ConfidenceVerified {
			d.Status = StatusWhitelisted
			d.Reason = ReasonRole
			d.Group = group
			return d, r.finish(ctx, d, audit.SeverityInfo)
		}
		if r.roles.IsStaff(group) {
			d.Status = StatusDenied
			d.Reason = ReasonInsufficientConfidence
			d.Group = group
			return d, r.finish(ctx, d, audit.SeverityWarning)
		}
		// Unverified non-staff role evidence is not evidence.
	}

	d.Status = StatusDenied
	d.Reason = ReasonNoAccess
	return d, r.finish(ctx, d, audit.SeverityInfo)
}

// ResolveAll resolves a batch with bounded concurrency, preserving input
// order. The first storage failure cancels the batch.
func (r *Resolver) ResolveAll(ctx context.Context, gameAccountIDs []string) ([]Decision, error) {
	decisions := make([]Decision, len(gameAccountIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkLimit)
	for i, id := range gameAccountIDs {
		g.Go(func() error {
			d, err := r.Resolve(ctx, Request{GameAccountID: id})
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return decisions, nil
}

func (r *Resolver) correlationID(ctx context.Context) string {
	if cid := audit.CorrelationIDFromContext(ctx); cid != "" {
		return cid
	}
	return ids.NewCorrelation()
}

func (r *Resolver) finish(ctx context.Context, d Decision, sev audit.Severity) error {
	obs.AuthorityDecision(string(d.Status), string(d.Reason))

	meta := map[string]string{"reason": string(d.Reason)}
	if d.Group != "" {
		meta["group"] = d.Group
	}
	if d.GrantID != "" {
		meta["grant_id"] = d.GrantID
	}
	if d.Confidence != 0 {
		meta["confidence"] = strconv.FormatFloat(float64(d.Confidence), 'f', 1, 64)
	}

	r.rec.Append(ctx, audit.Record{
		CorrelationID: d.CorrelationID,
		Action:        "authority.resolve",
		Actor:         audit.System(),
		Target:        audit.GameAccount(d.GameAccountID),
		Decision:      string(d.Status),
		Metadata:      meta,
		Severity:      sev,
		CreatedAt:     d.ResolvedAt,
	})
	return nil
}

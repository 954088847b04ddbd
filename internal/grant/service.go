package grant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden.gg/internal/audit"
	"warden.gg/internal/identity"
)

// RevokeSelector names the rows a revocation closes: a single grant by id,
// or every active grant a game account holds, optionally narrowed by type.
type RevokeSelector struct {
	GrantID       string
	GameAccountID string
	Type          Type
	RevokedBy     string
	Reason        string
	At            time.Time
}

// RoleSync carries one role reconciliation into the store. RoleName empty
// means the account lost every mapped role.
type RoleSync struct {
	GameAccountID string
	ChatAccountID string
	Type          Type
	RoleName      string
	GrantedBy     string
	Reason        string
	GameName      string
	ChatName      string
	Now           time.Time
}

// RoleSyncResult reports what one reconciliation changed.
type RoleSyncResult struct {
	Created   *Grant
	Revoked   []Grant
	Unchanged bool
}

// Store persists grants. Implementations must make Stack and SyncRole
// atomic under concurrent callers touching the same game account: Stack
// computes the stacked expiration under the same lock that inserts the row,
// and SyncRole must never leave two live role-sourced rows for one account.
// Transient contention surfaces as ErrStoreBusy.
type Store interface {
	Stack(ctx context.Context, g Grant, d Duration) (Grant, error)
	ByID(ctx context.Context, id string) (Grant, error)
	ActiveByType(ctx context.Context, gameAccountID string, typ Type, now time.Time) (Grant, error)
	ActiveDatabase(ctx context.Context, gameAccountID string, now time.Time) (Grant, error)
	ActiveRole(ctx context.Context, gameAccountID string, now time.Time) (Grant, error)
	ListActive(ctx context.Context, now time.Time) ([]Grant, error)
	Revoke(ctx context.Context, sel RevokeSelector) ([]Grant, error)
	SyncRole(ctx context.Context, p RoleSync) (RoleSyncResult, error)
}

// Service owns grant lifecycle: creation with stacking, terminal revocation,
// and the active-grant lookups the resolver and feed build on.
type Service struct {
	store Store
	rec   audit.Recorder
	now   func() time.Time
}

// NewService builds a grant service. A nil recorder drops audit output; a
// nil clock falls back to time.Now.
func NewService(store Store, rec audit.Recorder, now func() time.Time) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, rec: rec, now: now}
}

// Store exposes the underlying store for collaborators that drive their own
// transactions, such as the role synchronizer.
func (s *Service) Store() Store { return s.store }

// CreateParams describes a manual or donation grant request.
type CreateParams struct {
	GameAccountID string
	ChatAccountID string
	Type          Type
	Source        Source
	Duration      Duration
	GrantedBy     string
	Reason        string
	GameName      string
	ChatName      string
}

// Create validates the request, stacks it onto any active grant of the same
// type, and records the new row. Validation happens before any write; role
// sourcing is reserved for the synchronizer and rejected here.
func (s *Service) Create(ctx context.Context, p CreateParams) (Grant, error) {
	gameID, err := identity.ParseGameAccountID(p.GameAccountID)
	if err != nil {
		return Grant{}, err
	}
	chatID := ""
	if strings.TrimSpace(p.ChatAccountID) != "" {
		chatID, err = identity.ParseChatAccountID(p.ChatAccountID)
		if err != nil {
			return Grant{}, err
		}
	}
	if !p.Type.Valid() {
		return Grant{}, fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	if p.Source == "" {
		p.Source = SourceManual
	}
	if !p.Source.Valid() {
		return Grant{}, fmt.Errorf("%w: %q", ErrInvalidSource, p.Source)
	}
	if p.Source == SourceRole {
		return Grant{}, fmt.Errorf("%w: role grants are written by the synchronizer", ErrInvalidSource)
	}
	if err := p.Duration.Validate(); err != nil {
		return Grant{}, err
	}
	if strings.TrimSpace(p.GrantedBy) == "" {
		return Grant{}, errors.New("granted_by is required")
	}

	g := Grant{
		GameAccountID: gameID,
		ChatAccountID: chatID,
		Type:          p.Type,
		Source:        p.Source,
		Duration:      p.Duration,
		Approved:      true,
		GrantedBy:     strings.TrimSpace(p.GrantedBy),
		Reason:        strings.TrimSpace(p.Reason),
		GameName:      strings.TrimSpace(p.GameName),
		ChatName:      strings.TrimSpace(p.ChatName),
		CreatedAt:     s.now().UTC(),
	}

	stored, err := s.store.Stack(ctx, g, p.Duration)
	if err != nil {
		return Grant{}, err
	}

	s.rec.Append(ctx, audit.Record{
		Action:   "grant.create",
		Actor:    actorFor(p.GrantedBy),
		Target:   audit.GameAccount(gameID),
		Decision: "granted",
		After:    audit.JSONState(stored),
		Metadata: map[string]string{
			"grant_type": string(p.Type),
			"source":     string(p.Source),
			"duration":   durationLabel(p.Duration),
		},
		CreatedAt: s.now().UTC(),
	})
	return stored, nil
}

// RevokeParams describes a revocation request.
type RevokeParams struct {
	GrantID       string
	GameAccountID string
	Type          Type
	RevokedBy     string
	Reason        string
}

// Revoke closes grants terminally. Revoked rows never return to the active
// set; re-granting requires a fresh row. Returns the rows it closed.
func (s *Service) Revoke(ctx context.Context, p RevokeParams) ([]Grant, error) {
	sel := RevokeSelector{
		GrantID:   strings.TrimSpace(p.GrantID),
		RevokedBy: strings.TrimSpace(p.RevokedBy),
		Reason:    strings.TrimSpace(p.Reason),
		At:        s.now().UTC(),
	}
	if sel.GrantID == "" {
		gameID, err := identity.ParseGameAccountID(p.GameAccountID)
		if err != nil {
			return nil, err
		}
		sel.GameAccountID = gameID
		if p.Type != "" {
			if !p.Type.Valid() {
				return nil, fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
			}
			sel.Type = p.Type
		}
	}
	if sel.RevokedBy == "" {
		return nil, errors.New("revoked_by is required")
	}

	revoked, err := s.store.Revoke(ctx, sel)
	if err != nil {
		return nil, err
	}

	for _, g := range revoked {
		s.rec.Append(ctx, audit.Record{
			Action:   "grant.revoke",
			Actor:    actorFor(p.RevokedBy),
			Target:   audit.GameAccount(g.GameAccountID),
			Decision: "revoked",
			Before:   audit.JSONState(g),
			Metadata: map[string]string{
				"grant_id":   g.ID,
				"grant_type": string(g.Type),
				"reason":     sel.Reason,
			},
			CreatedAt: s.now().UTC(),
		})
	}
	return revoked, nil
}

// Active returns the winning active grant of the given type, or ErrNotFound.
func (s *Service) Active(ctx context.Context, gameAccountID string, typ Type) (Grant, error) {
	gameID, err := identity.ParseGameAccountID(gameAccountID)
	if err != nil {
		return Grant{}, err
	}
	if !typ.Valid() {
		return Grant{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	return s.store.ActiveByType(ctx, gameID, typ, s.now())
}

// ActiveDatabase returns the winning active grant that did not come from a
// role, regardless of type.
func (s *Service) ActiveDatabase(ctx context.Context, gameAccountID string) (Grant, error) {
	gameID, err := identity.ParseGameAccountID(gameAccountID)
	if err != nil {
		return Grant{}, err
	}
	return s.store.ActiveDatabase(ctx, gameID, s.now())
}

// ActiveRole returns the active role-sourced grant, if any.
func (s *Service) ActiveRole(ctx context.Context, gameAccountID string) (Grant, error) {
	gameID, err := identity.ParseGameAccountID(gameAccountID)
	if err != nil {
		return Grant{}, err
	}
	return s.store.ActiveRole(ctx, gameID, s.now())
}

// ByID fetches one grant row.
func (s *Service) ByID(ctx context.Context, id string) (Grant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Grant{}, ErrNotFound
	}
	return s.store.ByID(ctx, id)
}

// ListActive returns every grant conferring access right now. The feed
// builder walks this to assemble the whitelist file.
func (s *Service) ListActive(ctx context.Context) ([]Grant, error) {
	return s.store.ListActive(ctx, s.now())
}

func actorFor(id string) audit.Entity {
	id = strings.TrimSpace(id)
	if id == "" {
		return audit.System()
	}
	if _, err := identity.ParseChatAccountID(id); err == nil {
		return audit.ChatAccount(id)
	}
	return audit.Entity{Kind: audit.EntitySystem, ID: id}
}

func durationLabel(d Duration) string {
	if d.Unit == UnitPermanent {
		return "permanent"
	}
	return fmt.Sprintf("%d %s", d.Value, d.Unit)
}
